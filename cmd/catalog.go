package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
)

// CatalogEntry describes one registered analysis.
type CatalogEntry struct {
	Kind                  analysis.Kind   `json:"kind" yaml:"kind"`
	DisplayName           string          `json:"displayName" yaml:"display_name"`
	PrimaryModel          string          `json:"primaryModel" yaml:"primary_model"`
	FallbackModel         string          `json:"fallbackModel,omitempty" yaml:"fallback_model,omitempty"`
	Priority              int             `json:"priority" yaml:"priority"`
	RequiresThreadContext bool            `json:"requiresThreadContext" yaml:"requires_thread_context"`
	EnabledByDefault      bool            `json:"enabledByDefault" yaml:"enabled_by_default"`
	Dependencies          []analysis.Kind `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Catalog lists the default registry in registration order.
func Catalog() []CatalogEntry {
	enabled := make(map[analysis.Kind]bool)
	for _, k := range analysis.DefaultEnabledKinds() {
		enabled[k] = true
	}

	registry := analysis.InitRegistry(analysis.DefaultCatalog(), logging.NewNopLogger())
	defs := registry.GetAll()
	out := make([]CatalogEntry, 0, len(defs))
	for _, d := range defs {
		out = append(out, CatalogEntry{
			Kind:                  d.Kind,
			DisplayName:           d.DisplayName,
			PrimaryModel:          d.Model.Primary,
			FallbackModel:         d.Model.Fallback,
			Priority:              d.Settings.Priority,
			RequiresThreadContext: d.Settings.RequiresThreadContext,
			EnabledByDefault:      enabled[d.Kind],
			Dependencies:          d.Dependencies,
		})
	}
	return out
}

// NewCatalogCommand creates the catalog command.
func NewCatalogCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the analysis definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.Config()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			entries := Catalog()
			return render(cfg.OutputFormat, entries, func(w io.Writer) error {
				return writeCatalog(w, entries)
			})
		},
	}
}

func writeCatalog(w io.Writer, entries []CatalogEntry) error {
	fmt.Fprintf(w, "%-22s %-26s %-26s %-4s %-7s %s\n", "KIND", "PRIMARY", "FALLBACK", "PRIO", "THREAD", "DEFAULT")
	for _, e := range entries {
		fallback := e.FallbackModel
		if fallback == "" {
			fallback = "-"
		}
		fmt.Fprintf(w, "%-22s %-26s %-26s %-4d %-7t %t\n",
			e.Kind, truncate(e.PrimaryModel, 26), truncate(fallback, 26),
			e.Priority, e.RequiresThreadContext, e.EnabledByDefault)
	}
	return nil
}
