package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

type promptRow struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Variables   []string `json:"variables"`
}

func newPromptsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List the prompts the agents use, including --prompts overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			prompts, err := loadPrompts(opts)
			if err != nil {
				return err
			}
			specs := prompts.List()
			rows := make([]promptRow, 0, len(specs))
			for _, spec := range specs {
				rows = append(rows, promptRow{
					Name:        spec.Name,
					Version:     spec.Version,
					Description: spec.Description,
					Variables:   spec.Variables(),
				})
			}
			if p.json {
				for _, row := range rows {
					if err := p.writeJSON(row); err != nil {
						return err
					}
				}
				return nil
			}
			for _, row := range rows {
				p.printf("%s@%s\t%s\t%s\n", row.Name, row.Version, strings.Join(row.Variables, ","), row.Description)
			}
			return nil
		},
	}
}
