package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agentcrew/state"
	"github.com/PipeOpsHQ/agentcrew/state/memory"
)

func newSaver(t *testing.T) (*state.Saver, *memory.KV) {
	t.Helper()
	kv := memory.New()
	saver, err := state.NewSaver(kv)
	if err != nil {
		t.Fatalf("NewSaver: %v", err)
	}
	return saver, kv
}

func checkpoint(values string) state.Checkpoint {
	return state.Checkpoint{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Values:    json.RawMessage(values),
	}
}

func putN(t *testing.T, saver *state.Saver, thread string, n int) []string {
	t.Helper()
	ctx := context.Background()
	cfg := state.Config{ThreadID: thread}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		next, err := saver.Put(ctx, cfg, checkpoint(`{"step":1}`), state.Metadata{"step": i, "node": "architect"})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		ids = append(ids, next.CheckpointID)
		cfg = next
	}
	return ids
}

func collect(t *testing.T, saver *state.Saver, thread string, opts state.ListOptions) []state.Tuple {
	t.Helper()
	var out []state.Tuple
	for tuple, err := range saver.List(context.Background(), thread, "", opts) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		out = append(out, tuple)
	}
	return out
}

func TestPutThenGetLatestReturnsSameCheckpoint(t *testing.T) {
	saver, _ := newSaver(t)
	ctx := context.Background()

	written := checkpoint(`{"stage":"ARCH_BUILD"}`)
	cfg, err := saver.Put(ctx, state.Config{ThreadID: "conv-1"}, written, state.Metadata{"node": "coordinator"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	written.ID = cfg.CheckpointID

	tuple, err := saver.Get(ctx, state.Config{ThreadID: "conv-1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(written, tuple.Checkpoint); diff != "" {
		t.Fatalf("checkpoint mismatch (-want +got):\n%s", diff)
	}
	if tuple.Metadata["node"] != "coordinator" {
		t.Fatalf("unexpected metadata: %v", tuple.Metadata)
	}
	if tuple.ParentConfig != nil {
		t.Fatalf("first checkpoint must not have a parent")
	}
}

func TestPutChainsParents(t *testing.T) {
	saver, _ := newSaver(t)
	ids := putN(t, saver, "conv-1", 3)

	tuple, err := saver.Get(context.Background(), state.Config{ThreadID: "conv-1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tuple.Config.CheckpointID != ids[2] {
		t.Fatalf("expected latest %s, got %s", ids[2], tuple.Config.CheckpointID)
	}
	if tuple.ParentConfig == nil || tuple.ParentConfig.CheckpointID != ids[1] {
		t.Fatalf("expected parent %s, got %+v", ids[1], tuple.ParentConfig)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Fatalf("every put must create a new id: %v", ids)
	}
}

func TestListOrdersDescendingAndHonorsOptions(t *testing.T) {
	saver, _ := newSaver(t)
	ids := putN(t, saver, "conv-1", 4)

	all := collect(t, saver, "conv-1", state.ListOptions{})
	got := make([]string, 0, len(all))
	for _, tuple := range all {
		got = append(got, tuple.Config.CheckpointID)
	}
	want := []string{ids[3], ids[2], ids[1], ids[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("list order mismatch (-want +got):\n%s", diff)
	}

	before := collect(t, saver, "conv-1", state.ListOptions{Before: ids[2], Limit: 1})
	if len(before) != 1 || before[0].Config.CheckpointID != ids[1] {
		t.Fatalf("unexpected before/limit result: %+v", before)
	}

	filtered := collect(t, saver, "conv-1", state.ListOptions{Filter: map[string]any{"step": 2}})
	if len(filtered) != 1 || filtered[0].Config.CheckpointID != ids[2] {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}

	if again := collect(t, saver, "conv-1", state.ListOptions{}); len(again) != 4 {
		t.Fatalf("list must be restartable, second pass got %d", len(again))
	}
}

func TestThreadsAreIsolated(t *testing.T) {
	saver, _ := newSaver(t)
	putN(t, saver, "conv-a", 2)
	idsB := putN(t, saver, "conv-b", 1)

	listB := collect(t, saver, "conv-b", state.ListOptions{})
	if len(listB) != 1 || listB[0].Config.CheckpointID != idsB[0] {
		t.Fatalf("thread b saw foreign checkpoints: %+v", listB)
	}
	_, err := saver.Get(context.Background(), state.Config{ThreadID: "conv-a", CheckpointID: idsB[0]})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across threads, got %v", err)
	}
}

func TestPutWritesReplacesSameTaskAndChannel(t *testing.T) {
	saver, _ := newSaver(t)
	ctx := context.Background()
	cfg, err := saver.Put(ctx, state.Config{ThreadID: "conv-1"}, checkpoint(`{}`), nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := saver.PutWrites(ctx, cfg, []state.Write{{Channel: "research", Value: "draft"}}, "task-1"); err != nil {
		t.Fatalf("PutWrites: %v", err)
	}
	if err := saver.PutWrites(ctx, cfg, []state.Write{{Channel: "research", Value: "final"}}, "task-1"); err != nil {
		t.Fatalf("PutWrites: %v", err)
	}
	if err := saver.PutWrites(ctx, cfg, []state.Write{{Channel: "research", Value: "other"}}, "task-2"); err != nil {
		t.Fatalf("PutWrites: %v", err)
	}

	tuple, err := saver.Get(ctx, cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []state.PendingWrite{
		{TaskID: "task-1", Channel: "research", Value: json.RawMessage(`"final"`)},
		{TaskID: "task-2", Channel: "research", Value: json.RawMessage(`"other"`)},
	}
	if diff := cmp.Diff(want, tuple.PendingWrites); diff != "" {
		t.Fatalf("pending writes mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteThreadCascades(t *testing.T) {
	saver, kv := newSaver(t)
	ctx := context.Background()
	ids := putN(t, saver, "conv-1", 2)
	if _, err := saver.Put(ctx, state.Config{ThreadID: "conv-1", Namespace: "sub"}, checkpoint(`{}`), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := saver.PutWrites(ctx, state.Config{ThreadID: "conv-1", CheckpointID: ids[1]}, []state.Write{{Channel: "events", Value: 1}}, "t"); err != nil {
		t.Fatalf("PutWrites: %v", err)
	}

	if err := saver.DeleteThread(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if n := kv.Len(); n != 0 {
		t.Fatalf("expected no keys left, got %d", n)
	}
	if _, err := saver.Get(ctx, state.Config{ThreadID: "conv-1"}); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	threads, err := saver.Threads(ctx)
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(threads) != 0 {
		t.Fatalf("expected no threads, got %v", threads)
	}
}

func TestGetMissingThread(t *testing.T) {
	saver, _ := newSaver(t)
	if _, err := saver.Get(context.Background(), state.Config{ThreadID: "nope"}); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
