package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/policy"
)

const statusProbeTimeout = 3 * time.Second

// componentStatus is one row of vx11 status.
type componentStatus struct {
	Module string         `json:"module"`
	URL    string         `json:"url"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Health map[string]any `json:"health,omitempty"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the health of every running component",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rows := probeComponents(cmd.Context(), cfg.Bind)
			if err := renderStatus(cmd.OutOrStdout(), rows); err != nil {
				return err
			}
			down := 0
			for _, r := range rows {
				if r.Status == "down" {
					down++
				}
			}
			if down > 0 {
				return fmt.Errorf("%d of %d component(s) unreachable", down, len(rows))
			}
			return nil
		},
	}
}

// probeComponents calls GET /health on every component concurrently.
func probeComponents(ctx context.Context, bind config.BindConfig) []componentStatus {
	targets := map[string]string{
		policy.TargetGateway:      bind.Gateway,
		policy.TargetOrchestrator: bind.Orchestrator,
		policy.TargetRouter:       bind.Router,
		policy.TargetSpawner:      bind.Spawner,
		policy.TargetScanner:      bind.Scanner,
	}
	rows := make([]componentStatus, 0, len(targets))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for module, addr := range targets {
		wg.Add(1)
		go func(module, url string) {
			defer wg.Done()
			row := componentStatus{Module: module, URL: url}
			pctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
			defer cancel()
			var health map[string]any
			if err := getJSON(pctx, url+"/health", &health); err != nil {
				row.Status = "down"
				row.Error = err.Error()
			} else {
				row.Health = health
				row.Status, _ = health["status"].(string)
				if row.Status == "" {
					row.Status = "ok"
				}
			}
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		}(module, baseURL(addr))
	}
	wg.Wait()
	sort.Slice(rows, func(i, j int) bool { return moduleOrder(rows[i].Module) < moduleOrder(rows[j].Module) })
	return rows
}

func moduleOrder(module string) int {
	for i, t := range policy.KnownTargets {
		if t == module {
			return i
		}
	}
	return len(policy.KnownTargets)
}

func renderStatus(w io.Writer, rows []componentStatus) error {
	if !tableOutput(w) {
		return printJSON(w, map[string]any{"components": rows})
	}
	t := newTable(w, table.Row{"Module", "URL", "Status", "Detail"})
	for _, r := range rows {
		detail := r.Error
		if detail == "" {
			detail = healthDetail(r.Health)
		}
		t.AppendRow(table.Row{r.Module, r.URL, strings.ToUpper(r.Status), detail})
	}
	t.Render()
	return nil
}

// healthDetail flattens the extra fields of a health body into k=v pairs.
func healthDetail(h map[string]any) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		if k == "status" || k == "module" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, h[k]))
	}
	return strings.Join(parts, " ")
}
