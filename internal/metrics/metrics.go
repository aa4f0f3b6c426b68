// Package metrics collects and exposes Worker runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct for a lightweight JSON /metrics/json endpoint,
//     useful for local inspection without a Prometheus sidecar.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems, started via the handshake-queue pattern used by
//     cmd/worker.
//
// # Concurrency
//
// RecordLaunch and RecordRecovery are called from the Launch/Recovery
// controllers on state transitions; their process-wide totals are atomic
// increments, and each call also takes a plain mutex to update the
// per-model breakdown, which is read-heavy and
// write-once-per-new-model-type.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var startTime = time.Now()

// StartTime returns when this process's metrics package was initialised.
func StartTime() time.Time { return startTime }

// Metrics tracks launch and recovery counters for the local JSON endpoint.
type Metrics struct {
	launchesTotal     atomic.Int64
	launchesSucceeded atomic.Int64
	launchesFailed    atomic.Int64
	launchesCancelled atomic.Int64

	recoveriesAttempted atomic.Int64
	recoveriesSucceeded atomic.Int64
	recoveriesAbandoned atomic.Int64

	terminationsTotal atomic.Int64

	mu       sync.Mutex
	perModel map[string]*modelCounters
}

type modelCounters struct {
	Launches   int64 `json:"launches"`
	Failures   int64 `json:"failures"`
	Recoveries int64 `json:"recoveries"`
}

var global = &Metrics{perModel: make(map[string]*modelCounters)}

// Global returns the process-wide Metrics instance.
func Global() *Metrics { return global }

func (m *Metrics) modelCountersLocked(modelType string) *modelCounters {
	mc, ok := m.perModel[modelType]
	if !ok {
		mc = &modelCounters{}
		m.perModel[modelType] = mc
	}
	return mc
}

// RecordLaunch records the terminal outcome of one launch attempt.
// outcome is one of "succeeded", "failed", "cancelled".
func (m *Metrics) RecordLaunch(modelType string, outcome string) {
	m.launchesTotal.Add(1)
	switch outcome {
	case "succeeded":
		m.launchesSucceeded.Add(1)
	case "failed":
		m.launchesFailed.Add(1)
	case "cancelled":
		m.launchesCancelled.Add(1)
	}

	m.mu.Lock()
	mc := m.modelCountersLocked(modelType)
	mc.Launches++
	if outcome == "failed" {
		mc.Failures++
	}
	m.mu.Unlock()
}

// RecordRecovery records one recovery attempt outcome.
func (m *Metrics) RecordRecovery(modelType string, succeeded bool) {
	m.recoveriesAttempted.Add(1)
	if succeeded {
		m.recoveriesSucceeded.Add(1)
	} else {
		m.recoveriesAbandoned.Add(1)
	}

	m.mu.Lock()
	m.modelCountersLocked(modelType).Recoveries++
	m.mu.Unlock()
}

// RecordTermination records one model teardown, requested or abandoned.
func (m *Metrics) RecordTermination() {
	m.terminationsTotal.Add(1)
}

// Snapshot returns a point-in-time view suitable for JSON encoding.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.Lock()
	perModel := make(map[string]modelCounters, len(m.perModel))
	for k, v := range m.perModel {
		perModel[k] = *v
	}
	m.mu.Unlock()

	return map[string]interface{}{
		"uptime_seconds":       time.Since(startTime).Seconds(),
		"launches_total":       m.launchesTotal.Load(),
		"launches_succeeded":   m.launchesSucceeded.Load(),
		"launches_failed":      m.launchesFailed.Load(),
		"launches_cancelled":   m.launchesCancelled.Load(),
		"recoveries_attempted": m.recoveriesAttempted.Load(),
		"recoveries_succeeded": m.recoveriesSucceeded.Load(),
		"recoveries_abandoned": m.recoveriesAbandoned.Load(),
		"terminations_total":   m.terminationsTotal.Load(),
		"per_model":            perModel,
	}
}

// JSONHandler serves Snapshot() as application/json.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
