// Package vram implements the VRAM Monitor (C2): get_info() returning
// current VRAM info, plus a background sampler at poll_interval_ms.
//
// Grounded on the source platform's internal/hardware/detector.go, which
// probes nvidia-smi via exec.LookPath and falls back gracefully when no
// GPU query tool is present — the same probe-then-degrade shape is used
// here for the spec's "no GPU query available" branch.
package vram

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/logging"
)

// Source samples current VRAM state. The engine does not assume any
// particular GPU vendor; Source is a consumed external interface.
type Source interface {
	Sample(ctx context.Context) (model.VRAMInfo, error)
}

// NvidiaSMISource shells out to nvidia-smi, mirroring
// internal/hardware/detector.go's detectNVIDIA. On platforms without
// nvidia-smi on PATH it returns a degenerate, memory-abundant sample
// rather than erroring, per SPEC_FULL §4.2.
type NvidiaSMISource struct {
	log *logging.Logger
}

func NewNvidiaSMISource() *NvidiaSMISource {
	return &NvidiaSMISource{log: logging.NewLoggerWithName("vram")}
}

func (s *NvidiaSMISource) Sample(ctx context.Context) (model.VRAMInfo, error) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return model.VRAMInfo{Degenerate: true}, nil
	}

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.used,memory.free",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		s.log.Warn("nvidia-smi query failed, treating as degenerate: %v", err)
		return model.VRAMInfo{Degenerate: true}, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return model.VRAMInfo{Degenerate: true}, nil
	}
	fields := strings.Split(scanner.Text(), ",")
	if len(fields) < 3 {
		return model.VRAMInfo{Degenerate: true}, nil
	}

	totalMB, errT := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	usedMB, errU := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	freeMB, errF := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if errT != nil || errU != nil || errF != nil {
		return model.VRAMInfo{Degenerate: true}, nil
	}

	const mib = 1024 * 1024
	return model.VRAMInfo{
		TotalBytes:     totalMB * mib,
		UsedBytes:      usedMB * mib,
		AvailableBytes: freeMB * mib,
	}, nil
}

// Monitor samples a Source on a fixed interval and fans out the latest
// reading to subscribers. Sampling is non-blocking from the caller's
// perspective: GetInfo always returns the last completed sample
// immediately.
type Monitor struct {
	source       Source
	pollInterval time.Duration

	mu   sync.RWMutex
	last model.VRAMInfo

	stop chan struct{}
	wg   sync.WaitGroup

	onSample []func(model.VRAMInfo)
}

// New constructs a Monitor. The first sample is taken synchronously so
// GetInfo never returns a zero value before Start is called.
func New(source Source, pollInterval time.Duration) *Monitor {
	m := &Monitor{source: source, pollInterval: pollInterval}
	info, err := source.Sample(context.Background())
	if err == nil {
		m.last = info
	} else {
		m.last = model.VRAMInfo{Degenerate: true}
	}
	return m
}

// OnSample registers a callback invoked after each background sample.
func (m *Monitor) OnSample(fn func(model.VRAMInfo)) {
	m.mu.Lock()
	m.onSample = append(m.onSample, fn)
	m.mu.Unlock()
}

// GetInfo returns the most recent sample. It never blocks on I/O.
func (m *Monitor) GetInfo() model.VRAMInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// PollIntervalMS exposes the configured poll interval in milliseconds.
func (m *Monitor) PollIntervalMS() int64 {
	return m.pollInterval.Milliseconds()
}

// Start begins background sampling. It is idempotent only in the sense
// that calling Start twice without Stop leaks a goroutine; callers
// (the Context Manager facade) are responsible for pairing Start/Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				info, err := m.source.Sample(ctx)
				if err != nil {
					continue
				}
				m.mu.Lock()
				m.last = info
				callbacks := append([]func(model.VRAMInfo){}, m.onSample...)
				m.mu.Unlock()
				for _, cb := range callbacks {
					cb(info)
				}
			}
		}
	}()
}

// Stop halts background sampling and waits for the sampler goroutine to
// exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
}
