package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/router"
)

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List router providers with score, health and circuit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var body struct {
				Providers []router.ProviderView `json:"providers"`
			}
			if err := getJSON(cmd.Context(), baseURL(cfg.Bind.Router)+"/providers", &body); err != nil {
				return fmt.Errorf("query router: %w", err)
			}
			return renderProviders(cmd.OutOrStdout(), body.Providers)
		},
	}
}

func renderProviders(w io.Writer, views []router.ProviderView) error {
	if !tableOutput(w) {
		return printJSON(w, map[string]any{"providers": views})
	}
	t := newTable(w, table.Row{"Provider", "Capabilities", "Health", "Circuit", "Score", "OK", "Fail", "In flight"})
	for _, v := range views {
		t.AppendRow(table.Row{
			v.ProviderID,
			strings.Join(v.Capabilities, ","),
			v.HealthState,
			v.Circuit,
			fmt.Sprintf("%.3f", v.Score),
			v.Successes,
			v.Failures,
			v.InFlight,
		})
	}
	t.Render()
	return nil
}
