package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/doctor"
)

var errDoctorFailed = errors.New("doctor found failing checks")

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig()
			var cfgp *config.Config
			if err != nil {
				// Keep going; the config check reports why.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgp = &cfg
			}
			diag := doctor.Run(cmd.Context(), cfgp, Version)
			if err := renderDiagnosis(out, diag); err != nil {
				return err
			}
			if diag.Failed() {
				return errDoctorFailed
			}
			return nil
		},
	}
}

func renderDiagnosis(w io.Writer, diag doctor.Diagnosis) error {
	if jsonOutput() {
		return printJSON(w, diag)
	}
	fmt.Fprintf(w, "VX11 Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) vx11 %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	t := newTable(w, table.Row{"Check", "Status", "Message", "Detail"})
	for _, res := range diag.Results {
		t.AppendRow(table.Row{res.Name, res.Status, res.Message, res.Detail})
	}
	t.Render()
	return nil
}
