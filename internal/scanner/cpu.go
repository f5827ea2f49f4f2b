package scanner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCPUThreshold is the load, in percent, above which the CPU scanner
// reports and the Queen gates pheromones.
const DefaultCPUThreshold = 85.0

// Sampler reports a coarse system-wide CPU load in percent.
type Sampler interface {
	CPUPercent(ctx context.Context) (float64, error)
}

// ProcStatSampler derives CPU load from the aggregate line of /proc/stat.
// Each sample is the busy share of the jiffies elapsed since the previous
// one; the first sample covers the time since boot.
type ProcStatSampler struct {
	Path string
	// MinInterval caches a sample for this long so the CPU scanner and the
	// Queen read the same value within one tick. Zero resamples every call.
	MinInterval time.Duration

	mu        sync.Mutex
	have      bool
	lastBusy  uint64
	lastTotal uint64
	lastAt    time.Time
	last      float64
}

func NewProcStatSampler() *ProcStatSampler {
	return &ProcStatSampler{Path: "/proc/stat", MinInterval: time.Second}
}

func (s *ProcStatSampler) CPUPercent(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.have && s.MinInterval > 0 && now.Sub(s.lastAt) < s.MinInterval {
		return s.last, nil
	}
	busy, total, err := readProcStat(s.Path)
	if err != nil {
		return 0, err
	}
	switch {
	case s.have && total > s.lastTotal && busy >= s.lastBusy:
		s.last = 100 * float64(busy-s.lastBusy) / float64(total-s.lastTotal)
	case total > 0:
		s.last = 100 * float64(busy) / float64(total)
	}
	s.have = true
	s.lastBusy, s.lastTotal, s.lastAt = busy, total, now
	return s.last, nil
}

func readProcStat(path string) (busy, total uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		// user nice system idle iowait irq softirq steal; guest time is
		// already counted in user.
		var idle uint64
		for i, raw := range fields[1:] {
			if i >= 8 {
				break
			}
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse %s: %w", path, err)
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return total - idle, total, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return 0, 0, fmt.Errorf("%s: no aggregate cpu line", path)
}
