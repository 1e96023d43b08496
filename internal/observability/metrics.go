// Package observability collects in-process counters for the pipeline:
// per-stage call statistics, named event counters (idempotency hits,
// retries, saga outcomes), and shutdown lifecycle markers, exposed as one
// JSON snapshot.
package observability

import (
	"sync"
	"time"
)

// StageSnapshot is the exported view of one pipeline stage.
type StageSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is one consistent view of every counter.
type Snapshot struct {
	UptimeSec       int64                    `json:"uptime_sec"`
	TotalCalls      int64                    `json:"total_calls"`
	TotalErrors     int64                    `json:"total_errors"`
	InFlight        int64                    `json:"in_flight"`
	RateLimitWaits  int64                    `json:"rate_limit_waits"`
	RateLimitWaitMs int64                    `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot       `json:"lifecycle,omitempty"`
	Stages          map[string]StageSnapshot `json:"stages"`
	Events          map[string]int64         `json:"events"`
}

// LifecycleSnapshot records the shutdown marker.
type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type stageStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

// Metrics aggregates pipeline counters. A nil *Metrics is usable; every
// method no-ops on it.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	stages         map[string]*stageStats
	events         map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

// NewMetrics constructs an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		start:  time.Now(),
		stages: make(map[string]*stageStats),
		events: make(map[string]int64),
	}
}

// StageSpan measures one stage call from Start to End.
type StageSpan struct {
	metrics *Metrics
	stage   string
	start   time.Time
}

// Start opens a span for one call of the named stage.
func (m *Metrics) Start(stage string) *StageSpan {
	if m == nil {
		return &StageSpan{}
	}
	m.mu.Lock()
	stats := m.ensureStage(stage)
	stats.inFlight++
	m.mu.Unlock()
	return &StageSpan{
		metrics: m,
		stage:   stage,
		start:   time.Now(),
	}
}

// End closes the span; err marks the call failed.
func (s *StageSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.stage, dur, err != nil)
}

// Record bumps a named event counter.
func (m *Metrics) Record(event string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.events[event]++
	m.mu.Unlock()
}

// AddRateLimitWait accounts time spent blocked on the rate limiter.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// MarkShutdown records when shutdown began and how much work was in flight.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

// Snapshot returns a consistent copy of every counter.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Stages:          make(map[string]StageSnapshot),
		Events:          make(map[string]int64, len(m.events)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for stage, stats := range m.stages {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Stages[stage] = StageSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for event, count := range m.events {
		snap.Events[event] = count
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureStage(stage string) *stageStats {
	stats, ok := m.stages[stage]
	if !ok {
		stats = &stageStats{}
		m.stages[stage] = stats
	}
	return stats
}

func (m *Metrics) finish(stage string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureStage(stage)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
