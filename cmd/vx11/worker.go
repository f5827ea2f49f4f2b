package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/spawner"
)

// maxWorkerOutput bounds the stdout a worker forwards as its result.
const maxWorkerOutput = 256 << 10

func signCallbackCmd() *cobra.Command {
	var (
		daughterID string
		kind       string
		status     string
		result     string
		errMsg     string
		post       bool
	)
	cmd := &cobra.Command{
		Use:   "sign-callback",
		Short: "Sign a daughter callback or heartbeat with the configured secret",
		Long: `sign-callback builds the body a daughter would send and signs it with the
key derived from spawner.callback_secret. With --post it sends the request
to the local spawner; otherwise it prints the body and the Authorization
token for use with curl.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daughterID == "" {
				return errors.New("--daughter-id required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Spawner.CallbackSecret
			if secret == "" {
				return errors.New("spawner.callback_secret is not set in config.yaml")
			}

			var body []byte
			var target string
			base := baseURL(cfg.Bind.Spawner)
			switch kind {
			case spawner.KindCallback:
				cb := spawner.Callback{DaughterID: daughterID, Status: strings.ToUpper(status), Error: errMsg}
				if result != "" {
					if !json.Valid([]byte(result)) {
						return errors.New("--result must be valid JSON")
					}
					cb.Result = json.RawMessage(result)
				}
				body, err = json.Marshal(cb)
				if err != nil {
					return err
				}
				target = base + "/callbacks"
			case spawner.KindHeartbeat:
				body = []byte("{}")
				target = base + "/daughters/" + url.PathEscape(daughterID) + "/heartbeat"
			default:
				return fmt.Errorf("--kind must be %s or %s", spawner.KindCallback, spawner.KindHeartbeat)
			}

			token, err := spawner.Sign(secret, daughterID, kind, body, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !post {
				return printJSON(out, map[string]any{
					"url":           target,
					"body":          string(body),
					"authorization": "Bearer " + token,
				})
			}
			resp, err := postSigned(cmd.Context(), target, token, body)
			if err != nil {
				return err
			}
			return printJSON(out, resp)
		},
	}
	cmd.Flags().StringVar(&daughterID, "daughter-id", "", "daughter id")
	cmd.Flags().StringVar(&kind, "kind", spawner.KindCallback, "callback or heartbeat")
	cmd.Flags().StringVar(&status, "status", spawner.StatusDone, "callback status (DONE or ERROR)")
	cmd.Flags().StringVar(&result, "result", "", "callback result as JSON")
	cmd.Flags().StringVar(&errMsg, "error", "", "callback error message")
	cmd.Flags().BoolVar(&post, "post", false, "send the signed request to the spawner")
	return cmd
}

func postSigned(ctx context.Context, target, token string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := cliHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apierr.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, apierr.FromResponse(resp.StatusCode, raw)
	}
	return json.RawMessage(raw), nil
}

func workerCmd() *cobra.Command {
	var heartbeat time.Duration
	cmd := &cobra.Command{
		Use:   "worker -- <command> [args...]",
		Short: "Run a command as a daughter and report its outcome",
		Long: `worker is the entrypoint for process and docker daughters. It reads the
VX11_* environment set by the spawner, heartbeats while the command runs and
sends a signed callback when it exits. The command gets the task payload on
stdin; its stdout becomes the result (JSON if it parses, a string otherwise).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := spawner.WorkerFromEnv()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), w, args, heartbeat, os.Stderr)
		},
	}
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 5*time.Second, "heartbeat interval")
	return cmd
}

// runWorker runs argv under the daughter TTL, heartbeating until it exits,
// then reports DONE with its stdout or ERROR with its failure.
func runWorker(ctx context.Context, w *spawner.Worker, argv []string, heartbeat time.Duration, stderr io.Writer) error {
	runCtx := ctx
	if ttl, err := strconv.Atoi(os.Getenv("VX11_TTL_SECONDS")); err == nil && ttl > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(ttl)*time.Second)
		defer cancel()
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if w.HeartbeatURL == "" || heartbeat <= 0 {
			return
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			if err := w.Heartbeat(hbCtx); err != nil && hbCtx.Err() == nil {
				fmt.Fprintf(stderr, "heartbeat failed: %v\n", err)
			}
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var stdout bytes.Buffer
	c := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	c.Stdin = strings.NewReader(os.Getenv("VX11_PAYLOAD"))
	c.Stdout = &limitedWriter{w: &stdout, n: maxWorkerOutput}
	c.Stderr = stderr
	runErr := c.Run()

	stopHeartbeat()
	<-hbDone

	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if runErr != nil {
		msg := runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			msg = "ttl exceeded: " + msg
		}
		if err := w.Report(reportCtx, spawner.StatusError, nil, msg); err != nil {
			return fmt.Errorf("report failure: %w (command: %v)", err, runErr)
		}
		return runErr
	}
	return w.Report(reportCtx, spawner.StatusDone, workerResult(stdout.Bytes()), "")
}

// workerResult keeps JSON output as is and wraps anything else as a string.
func workerResult(out []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(string(trimmed))
	return b
}

// limitedWriter drops everything past n bytes without failing the writer.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if len(keep) > l.n {
		keep = keep[:l.n]
	}
	if _, err := l.w.Write(keep); err != nil {
		return 0, err
	}
	l.n -= len(keep)
	return len(p), nil
}
