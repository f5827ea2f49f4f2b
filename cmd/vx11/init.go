package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.yaml with a fresh gateway token",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir()
			token, err := config.WriteStarter(home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, map[string]string{
					"home":       home,
					"config":     config.ConfigPath(home),
					"auth_token": token,
				})
			}
			fmt.Fprintf(out, "Wrote %s\n", config.ConfigPath(home))
			fmt.Fprintf(out, "Gateway token: %s\n", token)
			fmt.Fprintln(out, "The token is stored only in config.yaml. Send it as X-Auth-Token.")
			fmt.Fprintln(out, "Next: vx11 doctor, then vx11 serve")
			return nil
		},
	}
}
