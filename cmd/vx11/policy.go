package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/config"
	"github.com/basket/vx11/internal/policy"
)

type policyView struct {
	Mode          policy.Mode `json:"mode"`
	AlwaysAllow   []string    `json:"always_allow"`
	PolicyVersion string      `json:"policy_version"`
	Source        string      `json:"source"`
	Allowed       []string    `json:"allowed_without_window"`
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Show or change the operating mode"}
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policySetCmd())
	return cmd
}

func currentPolicy(cfg config.Config) policyView {
	lp := policy.NewLivePolicy(cfg.Policy(), config.PolicyPath(cfg.HomeDir))
	snap := lp.Snapshot()
	v := policyView{
		Mode:          snap.Mode,
		AlwaysAllow:   snap.AlwaysAllow,
		PolicyVersion: lp.PolicyVersion(),
		Source:        config.FileConfig,
	}
	if cfg.PolicyFromFile {
		v.Source = config.FilePolicy
	}
	now := time.Now()
	for _, t := range policy.KnownTargets {
		if lp.Evaluate(t, nil, now).Allowed {
			v.Allowed = append(v.Allowed, t)
		}
	}
	return v
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v := currentPolicy(cfg)
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, v)
			}
			fmt.Fprintf(out, "mode:            %s\n", v.Mode)
			fmt.Fprintf(out, "policy_version:  %s\n", v.PolicyVersion)
			fmt.Fprintf(out, "source:          %s\n", v.Source)
			fmt.Fprintf(out, "always_allow:    %s\n", strings.Join(v.AlwaysAllow, ", "))
			fmt.Fprintf(out, "open by default: %s\n", strings.Join(v.Allowed, ", "))
			return nil
		},
	}
}

func policySetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <mode>",
		Short: "Persist a new mode to policy.yaml (solo_madre, window_only, open_all)",
		Long: `set writes policy.yaml in the home directory. A running serve picks the
change up without a restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := policy.ParseMode(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			lp := policy.NewLivePolicy(cfg.Policy(), config.PolicyPath(cfg.HomeDir))
			before := lp.Mode()
			if err := lp.SetMode(mode); err != nil {
				return fmt.Errorf("set mode: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, map[string]any{
					"before":         before,
					"mode":           lp.Mode(),
					"policy_version": lp.PolicyVersion(),
				})
			}
			if before == mode {
				fmt.Fprintf(out, "mode already %s\n", mode)
				return nil
			}
			fmt.Fprintf(out, "mode %s -> %s (%s)\n", before, mode, config.PolicyPath(cfg.HomeDir))
			return nil
		},
	}
}
