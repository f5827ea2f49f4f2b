package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "v1.0-dev"

var rootCmd = &cobra.Command{
	Use:   "vx11",
	Short: "VX11 intent control plane",
	Long: `vx11 runs the intent control plane: a gateway that admits intents, an
orchestrator that turns them into plans inside execution windows, a router
that picks providers by score and circuit state, a spawner for short-lived
daughter workers and a scanner swarm that records incidents.

Configuration lives in $VX11_HOME (default ~/.vx11): config.yaml for the
components and policy.yaml for the operating mode. Both are reloaded on
change while serve is running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VX11")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("home", "", "control plane home directory (default $VX11_HOME or ~/.vx11)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(incidentsCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(signCallbackCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

// homeDir resolves --home, then VX11_HOME, then ~/.vx11.
func homeDir() string {
	if h := strings.TrimSpace(viper.GetString("home")); h != "" {
		return h
	}
	return config.HomeDir()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(homeDir())
	if err != nil {
		return cfg, err
	}
	if lvl := strings.TrimSpace(viper.GetString("log-level")); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

// tableOutput reports whether results should be rendered as a table: the
// caller did not ask for JSON and stdout is a terminal.
func tableOutput(w io.Writer) bool {
	if jsonOutput() {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

// baseURL turns a bind address into a URL a local client can dial.
func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

var cliHTTP = &http.Client{Timeout: 10 * time.Second}

// getJSON fetches url and decodes the JSON body into out. Non-2xx answers
// become *apierr.Error.
func getJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := cliHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apierr.MaxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return apierr.FromResponse(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command
