// Package memory implements the memory governor that applies backpressure to
// pipeline runs.
//
// The governor samples process memory when the engine asks it to (at least
// once per step). Usage above the configured ceiling is fatal for the run.
// A peak above WarnRatio of the ceiling produces a one-time warning that the
// engine persists into the snapshot for external monitors.
package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/petrijr/fluxetl/pkg/api"
)

// WarnRatio is the fraction of the ceiling above which a warning is emitted.
const WarnRatio = 0.9

// Sampler reports the current memory usage of the process in bytes.
type Sampler interface {
	Sample(ctx context.Context) (uint64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (uint64, error)

func (f SamplerFunc) Sample(ctx context.Context) (uint64, error) { return f(ctx) }

// LimitExceededError is returned when usage breaches the ceiling.
type LimitExceededError struct {
	Usage uint64
	Limit uint64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("memory usage %s exceeds limit %s",
		humanize.IBytes(e.Usage), humanize.IBytes(e.Limit))
}

// ParseLimit converts a human readable size ("512MB", "2GiB", "256M") into
// bytes. An empty string, "0" or "-1" means no ceiling and returns 0.
func ParseLimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "0", "-1":
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("memory: parse limit %q: %w", s, err)
	}
	return n, nil
}

// Governor tracks memory usage against a ceiling. It is safe for concurrent
// use so that progress can be polled while a run executes.
type Governor struct {
	limit   uint64
	sampler Sampler
	now     func() time.Time

	mu      sync.Mutex
	current uint64
	peak    uint64
	warned  bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithSampler replaces the process sampler.
func WithSampler(s Sampler) Option {
	return func(g *Governor) {
		if s != nil {
			g.sampler = s
		}
	}
}

// WithClock overrides time.Now for warning timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGovernor parses limit once and returns a Governor.
func NewGovernor(limit string, opts ...Option) (*Governor, error) {
	n, err := ParseLimit(limit)
	if err != nil {
		return nil, err
	}
	g := &Governor{limit: n, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if g.sampler == nil {
		g.sampler = NewProcessSampler()
	}
	return g, nil
}

// Limit returns the ceiling in bytes, 0 when unlimited.
func (g *Governor) Limit() uint64 {
	return g.limit
}

// Reset clears the peak and the warning latch. The engine calls it at the
// start of every Process call.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current, g.peak, g.warned = 0, 0, false
}

// Stats returns the last sampled values.
func (g *Governor) Stats() api.MemoryStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return api.MemoryStats{Current: g.current, Peak: g.peak, Limit: g.limit}
}

// CheckMemoryUsage samples memory. It returns a *LimitExceededError when the
// ceiling is breached, and a warning the first time the peak crosses
// WarnRatio of the ceiling. A sampling failure is returned as an error.
func (g *Governor) CheckMemoryUsage(ctx context.Context) (*api.MemoryWarning, error) {
	usage, err := g.sampler.Sample(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: sample usage: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.current = usage
	if usage > g.peak {
		g.peak = usage
	}
	if g.limit == 0 {
		return nil, nil
	}
	if usage > g.limit {
		return nil, &LimitExceededError{Usage: usage, Limit: g.limit}
	}
	if g.warned || float64(g.peak) <= float64(g.limit)*WarnRatio {
		return nil, nil
	}
	g.warned = true
	return &api.MemoryWarning{
		Message: fmt.Sprintf("peak memory %s is above %.0f%% of limit %s",
			humanize.IBytes(g.peak), WarnRatio*100, humanize.IBytes(g.limit)),
		Usage:     usage,
		Peak:      g.peak,
		Limit:     g.limit,
		Threshold: WarnRatio,
		At:        g.now().UnixMilli(),
	}, nil
}

// processSampler reads the resident set size of the current process and
// falls back to the Go runtime's view when RSS is unavailable.
type processSampler struct {
	proc *process.Process
}

// NewProcessSampler returns a Sampler for the current process.
func NewProcessSampler() Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return RuntimeSampler()
	}
	return &processSampler{proc: proc}
}

func (s *processSampler) Sample(ctx context.Context) (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil || info.RSS == 0 {
		return RuntimeSampler().Sample(ctx)
	}
	return info.RSS, nil
}

// RuntimeSampler reports memory obtained from the OS by the Go runtime.
func RuntimeSampler() Sampler {
	return SamplerFunc(func(context.Context) (uint64, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Sys, nil
	})
}
