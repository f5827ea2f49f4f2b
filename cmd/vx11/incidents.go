package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/persistence"
)

func incidentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "incidents", Short: "Inspect scanner incidents"}
	cmd.AddCommand(incidentsListCmd())
	cmd.AddCommand(incidentsResolveCmd())
	cmd.AddCommand(incidentsExportCmd())
	return cmd
}

func incidentsListCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents, open ones only unless --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("open", strconv.FormatBool(!all))
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var body struct {
				Incidents []persistence.Incident `json:"incidents"`
			}
			if err := getJSON(cmd.Context(), baseURL(cfg.Bind.Scanner)+"/incidents?"+q.Encode(), &body); err != nil {
				return fmt.Errorf("query scanner: %w", err)
			}
			return renderIncidents(cmd.OutOrStdout(), body.Incidents)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved incidents")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of incidents")
	return cmd
}

func incidentsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an open incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var body struct {
				Incident persistence.Incident `json:"incident"`
				Resolved bool                 `json:"resolved"`
			}
			u := baseURL(cfg.Bind.Scanner) + "/incidents/" + url.PathEscape(args[0]) + "/resolve"
			if err := doJSON(cmd.Context(), http.MethodPost, u, nil, &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, body)
			}
			if body.Resolved {
				fmt.Fprintf(out, "Resolved %s (%s on %s)\n", body.Incident.IncidentID, body.Incident.Kind, body.Incident.Subject)
			} else {
				fmt.Fprintf(out, "%s was already resolved\n", body.Incident.IncidentID)
			}
			return nil
		},
	}
}

func renderIncidents(w io.Writer, incs []persistence.Incident) error {
	if !tableOutput(w) {
		return printJSON(w, map[string]any{"incidents": incs})
	}
	t := newTable(w, table.Row{"Incident", "Kind", "Severity", "Subject", "Count", "Last seen", "Open"})
	for _, inc := range incs {
		t.AppendRow(table.Row{
			inc.IncidentID,
			inc.Kind,
			inc.Severity,
			inc.Subject,
			inc.OccurrenceCount,
			inc.LastSeen.Local().Format(time.DateTime),
			inc.Open,
		})
	}
	t.Render()
	return nil
}
