package network

import (
	"sync/atomic"
	"time"
)

// Metrics tracks network provider operation counts.
// All fields are safe for concurrent access.
type Metrics struct {
	StartupAttempts   atomic.Int64
	StartupFailures   atomic.Int64
	ShutdownAttempts  atomic.Int64
	ShutdownFailures  atomic.Int64
	ResourceConflicts atomic.Int64

	TotalStartupTimeNs  atomic.Int64
	TotalShutdownTimeNs atomic.Int64
}

// RecordStartup records a NotifyStartup result.
func (m *Metrics) RecordStartup(success bool, duration time.Duration) {
	m.StartupAttempts.Add(1)
	m.TotalStartupTimeNs.Add(int64(duration))
	if !success {
		m.StartupFailures.Add(1)
	}
}

// RecordShutdown records a NotifyShutdown result.
func (m *Metrics) RecordShutdown(success bool, duration time.Duration) {
	m.ShutdownAttempts.Add(1)
	m.TotalShutdownTimeNs.Add(int64(duration))
	if !success {
		m.ShutdownFailures.Add(1)
	}
}

// RecordConflict records a setup that collided with leftover resources.
func (m *Metrics) RecordConflict() {
	m.ResourceConflicts.Add(1)
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	StartupAttempts   int64
	StartupFailures   int64
	ShutdownAttempts  int64
	ShutdownFailures  int64
	ResourceConflicts int64
	AvgStartupTimeMs  float64
	AvgShutdownTimeMs float64
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	startups := m.StartupAttempts.Load()
	shutdowns := m.ShutdownAttempts.Load()

	snap := MetricsSnapshot{
		StartupAttempts:   startups,
		StartupFailures:   m.StartupFailures.Load(),
		ShutdownAttempts:  shutdowns,
		ShutdownFailures:  m.ShutdownFailures.Load(),
		ResourceConflicts: m.ResourceConflicts.Load(),
	}
	if startups > 0 {
		snap.AvgStartupTimeMs = float64(m.TotalStartupTimeNs.Load()) / float64(startups) / 1e6
	}
	if shutdowns > 0 {
		snap.AvgShutdownTimeMs = float64(m.TotalShutdownTimeNs.Load()) / float64(shutdowns) / 1e6
	}
	return snap
}
