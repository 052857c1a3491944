package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ggmlforge/internal/registry"
)

type registryListing struct {
	Sources  []registryRow `json:"sources"`
	Profiles []registryRow `json:"profiles"`
}

type registryRow struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newRegistryCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "List known sources and reduction profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := registry.FromConfig(cfg)
			if err != nil {
				return err
			}
			listing := registryListing{
				Sources:  rows(reg.Artifacts.List()),
				Profiles: rows(reg.Profiles.List()),
			}
			if jsonOutput {
				return writeJSON(cmd, listing)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out, []string{"Source", "Location"}, tableRows(listing.Sources), nil))
			fmt.Fprintln(out, renderTable(out, []string{"Profile", "Tag"}, tableRows(listing.Profiles), nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func rows(entries []registry.Entry) []registryRow {
	out := make([]registryRow, 0, len(entries))
	for _, entry := range entries {
		out = append(out, registryRow{Name: entry.Name, Value: entry.Value})
	}
	return out
}

func tableRows(list []registryRow) [][]string {
	out := make([][]string, 0, len(list))
	for _, row := range list {
		out = append(out, []string{row.Name, row.Value})
	}
	return out
}
