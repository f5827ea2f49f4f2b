package scanner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/vx11/internal/persistence"
)

func writeStat(t *testing.T, path, cpuLine string) {
	t.Helper()
	content := cpuLine + "\ncpu0 1 2 3 4 5 6 7 8 0 0\nintr 12345\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
}

func TestProcStatSampler_DeltaBetweenSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	s := &ProcStatSampler{Path: path}
	ctx := context.Background()

	// total 1000, idle+iowait 750: 25% since boot.
	writeStat(t, path, "cpu  100 0 150 700 50 0 0 0 0 0")
	got, err := s.CPUPercent(ctx)
	if err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if math.Abs(got-25) > 0.001 {
		t.Fatalf("first sample = %.2f, want 25", got)
	}

	// +200 jiffies, 180 busy: 90%.
	writeStat(t, path, "cpu  200 0 230 710 60 0 0 0 0 0")
	got, err = s.CPUPercent(ctx)
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
	if math.Abs(got-90) > 0.001 {
		t.Fatalf("second sample = %.2f, want 90", got)
	}
}

func TestProcStatSampler_CachesWithinMinInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	s := &ProcStatSampler{Path: path, MinInterval: time.Hour}
	writeStat(t, path, "cpu  100 0 150 700 50 0 0 0 0 0")
	first, err := s.CPUPercent(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	writeStat(t, path, "cpu  900 0 150 700 50 0 0 0 0 0")
	again, err := s.CPUPercent(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if again != first {
		t.Fatalf("cached sample = %.2f, want %.2f", again, first)
	}
}

func TestProcStatSampler_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (&ProcStatSampler{Path: filepath.Join(dir, "missing")}).CPUPercent(context.Background()); err == nil {
		t.Fatalf("missing file: want error")
	}
	bad := filepath.Join(dir, "bad")
	writeStat(t, bad, "cpu  1 2 x 4 5")
	if _, err := (&ProcStatSampler{Path: bad}).CPUPercent(context.Background()); err == nil {
		t.Fatalf("malformed line: want error")
	}
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("intr 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (&ProcStatSampler{Path: empty}).CPUPercent(context.Background()); err == nil {
		t.Fatalf("no cpu line: want error")
	}
}

type nopScanner struct{ id string }

func (n nopScanner) ID() string                                  { return n.id }
func (n nopScanner) Role() string                                { return "test" }
func (n nopScanner) Scan(context.Context) ([]Observation, error) { return nil, nil }

func TestSwarm_StartSchedulesEveryScanner(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vx11.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	s := New(Config{Interval: time.Hour}, Options{Store: store})
	for _, id := range []string{"a", "b"} {
		if err := s.Register(nopScanner{id: id}, 0); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Two scanners plus the retention job.
	if n := len(s.cron.Entries()); n != 3 {
		t.Fatalf("cron entries = %d, want 3", n)
	}
	if err := s.Register(nopScanner{id: "late"}, 0); err == nil {
		t.Fatalf("register after start: want error")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start: want error")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		done := 0
		for _, st := range s.Scanners() {
			if st.LastTickAt != nil {
				done++
			}
		}
		if done == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup tick did not run: %+v", s.Scanners())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
