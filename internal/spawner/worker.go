package spawner

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/vx11/internal/apierr"
)

// Worker is the daughter side of the protocol: it signs heartbeats and the
// final callback with the key handed over in its environment.
type Worker struct {
	DaughterID   string
	CallbackURL  string
	HeartbeatURL string
	Key          []byte
	HTTP         *http.Client
	Now          func() time.Time
}

// WorkerFromEnv builds a Worker from the VX11_* variables set by the launcher.
func WorkerFromEnv() (*Worker, error) {
	key, err := hex.DecodeString(os.Getenv("VX11_DAUGHTER_KEY"))
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("VX11_DAUGHTER_KEY is missing or malformed")
	}
	w := &Worker{
		DaughterID:   os.Getenv("VX11_DAUGHTER_ID"),
		CallbackURL:  os.Getenv("VX11_CALLBACK_URL"),
		HeartbeatURL: os.Getenv("VX11_HEARTBEAT_URL"),
		Key:          key,
	}
	if w.DaughterID == "" || w.CallbackURL == "" {
		return nil, fmt.Errorf("VX11_DAUGHTER_ID and VX11_CALLBACK_URL are required")
	}
	return w, nil
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Heartbeat confirms liveness.
func (w *Worker) Heartbeat(ctx context.Context) error {
	return w.post(ctx, w.HeartbeatURL, KindHeartbeat, []byte("{}"))
}

// Report sends the final callback.
func (w *Worker) Report(ctx context.Context, status string, result json.RawMessage, errMsg string) error {
	body, err := json.Marshal(Callback{DaughterID: w.DaughterID, Status: status, Result: result, Error: errMsg})
	if err != nil {
		return err
	}
	return w.post(ctx, w.CallbackURL, KindCallback, body)
}

func (w *Worker) post(ctx context.Context, url, kind string, body []byte) error {
	tok, err := SignWithKey(w.Key, w.DaughterID, kind, body, w.now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	hc := w.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", kind, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, apierr.MaxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		return apierr.FromResponse(resp.StatusCode, raw)
	}
	return nil
}
