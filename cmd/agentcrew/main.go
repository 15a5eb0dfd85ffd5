package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/PipeOpsHQ/agentcrew/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}
