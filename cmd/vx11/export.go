package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
	"github.com/basket/vx11/internal/telemetry"
)

// incidentBundle is a self-contained snapshot for offline triage.
type incidentBundle struct {
	ExportedAt        time.Time                `json:"exported_at"`
	ConfigFingerprint string                   `json:"config_fingerprint,omitempty"`
	Since             time.Time                `json:"since"`
	Incidents         []persistence.Incident   `json:"incidents"`
	Audit             []persistence.AuditEvent `json:"audit"`
	Logs              []string                 `json:"logs"`
}

func incidentsExportCmd() *cobra.Command {
	var (
		out      string
		since    time.Duration
		maxAudit int
		maxLogs  int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Bundle incidents, recent audit events and redacted logs into one file",
		Long: `export reads the store and the system log directly, so it works when serve
is down. Log lines pass through the same secret redaction as the logger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir()
			b, err := buildIncidentBundle(cmd.Context(), home, time.Now().Add(-since), maxAudit, maxLogs)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(home, "incident_bundle.json")
			}
			encoded, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, encoded, 0o600); err != nil {
				return fmt.Errorf("write bundle: %w", err)
			}
			w := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(w, map[string]any{
					"bundle_path": out,
					"incidents":   len(b.Incidents),
					"audit":       len(b.Audit),
					"logs":        len(b.Logs),
				})
			}
			fmt.Fprintf(w, "bundle_path=%s\n", out)
			fmt.Fprintf(w, "incidents=%d audit=%d logs=%d\n", len(b.Incidents), len(b.Audit), len(b.Logs))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "bundle path (default $VX11_HOME/incident_bundle.json)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "audit window to include")
	cmd.Flags().IntVar(&maxAudit, "max-audit", 2000, "maximum audit events")
	cmd.Flags().IntVar(&maxLogs, "max-logs", 500, "maximum log lines, newest kept")
	return cmd
}

func buildIncidentBundle(ctx context.Context, home string, since time.Time, maxAudit, maxLogs int) (incidentBundle, error) {
	b := incidentBundle{ExportedAt: time.Now().UTC(), Since: since.UTC()}
	if cfg, err := config.Load(home); err == nil {
		b.ConfigFingerprint = cfg.Fingerprint()
	}

	store, err := persistence.Open(config.DBPath(home), nil)
	if err != nil {
		return b, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if b.Incidents, err = store.ListIncidents(ctx, false, 0); err != nil {
		return b, err
	}
	if b.Audit, err = store.ListAuditRange(ctx, since, time.Time{}, maxAudit); err != nil {
		return b, err
	}
	for i := range b.Audit {
		b.Audit[i].Details = redactJSON(b.Audit[i].Details)
	}

	logs, err := tailLines(telemetry.LogPath(home), maxLogs)
	if err != nil && !os.IsNotExist(err) {
		return b, fmt.Errorf("read logs: %w", err)
	}
	for _, line := range logs {
		b.Logs = append(b.Logs, shared.Redact(line))
	}
	if b.Incidents == nil {
		b.Incidents = []persistence.Incident{}
	}
	if b.Audit == nil {
		b.Audit = []persistence.AuditEvent{}
	}
	if b.Logs == nil {
		b.Logs = []string{}
	}
	return b, nil
}

// redactJSON redacts secrets in raw, falling back to a JSON string when the
// redaction breaks the document.
func redactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	red := shared.Redact(string(raw))
	if json.Valid([]byte(red)) {
		return json.RawMessage(red)
	}
	b, _ := json.Marshal(red)
	return b
}

// tailLines returns the last limit non-empty lines of path.
func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64<<10), 1<<20)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
