package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/sources"
)

// newSourcesCmd lists the built-in source presets.
func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the built-in source presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tKIND\tBATCH\tSEED\tENDPOINTS")
			for _, name := range sources.PresetNames() {
				spec, _ := sources.Preset(name)
				paths := make([]string, 0, len(spec.Endpoints))
				for _, ep := range spec.Endpoints {
					paths = append(paths, ep.Path)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					spec.Name, spec.Kind, spec.BatchSize, seedLabel(spec.Seed), strings.Join(paths, ","))
			}
			return w.Flush()
		},
	}
}

func seedLabel(seed sources.SeedSpec) string {
	switch {
	case len(seed.IDs) > 0:
		return fmt.Sprintf("%d ids", len(seed.IDs))
	case seed.CollatedKeys != "":
		return "keys of " + seed.CollatedKeys
	default:
		return "values of " + seed.CollatedValues
	}
}
