// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobRequests       *prometheus.CounterVec
	jobTransitions    *prometheus.CounterVec
	zapReceipts       *prometheus.CounterVec
	relayPublishes    *prometheus.CounterVec
	expiredJobs       prometheus.Counter
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge
)

// Request outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeDuplicate   = "duplicate"
	OutcomeInvalid     = "invalid"
	OutcomeUnsupported = "unsupported"
	OutcomeEncrypted   = "encrypted"
)

// Receipt rejection reasons.
const (
	ReceiptVerified       = "verified"
	ReceiptBadKind        = "bad_kind"
	ReceiptBadSignature   = "bad_signature"
	ReceiptMissingTag     = "missing_tag"
	ReceiptBadDescription = "bad_description"
	ReceiptHashMismatch   = "hash_mismatch"
	ReceiptUnderpaid      = "underpaid"
	ReceiptNoJob          = "no_job"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobRequest records an inbound job request and its triage outcome.
func IncJobRequest(kind int, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobRequests != nil {
		jobRequests.WithLabelValues(strconv.Itoa(kind), outcome).Inc()
	}
}

// IncJobTransition records a committed job state transition.
func IncJobTransition(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobTransitions != nil {
		jobTransitions.WithLabelValues(from, to).Inc()
	}
}

// IncZapReceipt records the verification outcome of a kind-9735 event.
func IncZapReceipt(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if zapReceipts != nil {
		zapReceipts.WithLabelValues(outcome).Inc()
	}
}

// IncRelayPublish records one per-relay publish attempt.
func IncRelayPublish(relay string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	mu.RLock()
	defer mu.RUnlock()
	if relayPublishes != nil {
		relayPublishes.WithLabelValues(relay, status).Inc()
	}
}

// AddExpiredJobs records jobs swept into the expired state.
func AddExpiredJobs(n int64) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if expiredJobs != nil {
		expiredJobs.Add(float64(n))
	}
}

// ObserveExecution records the duration of one service execution.
func ObserveExecution(kind int, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if executionDuration != nil {
		executionDuration.WithLabelValues(strconv.Itoa(kind)).Observe(d.Seconds())
	}
}

// SetActiveExecutions tracks the number of in-flight execution tasks.
func SetActiveExecutions(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if executionsActive != nil {
		executionsActive.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remora",
		Subsystem: "dvm",
		Name:      "job_requests_total",
		Help:      "Inbound job request events grouped by kind and triage outcome.",
	}, []string{"kind", "outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remora",
		Subsystem: "dvm",
		Name:      "job_transitions_total",
		Help:      "Committed job state transitions.",
	}, []string{"from", "to"})

	receipts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remora",
		Subsystem: "dvm",
		Name:      "zap_receipts_total",
		Help:      "Zap receipt verification outcomes.",
	}, []string{"outcome"})

	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remora",
		Subsystem: "relay",
		Name:      "publishes_total",
		Help:      "Per-relay publish attempts by status.",
	}, []string{"relay", "status"})

	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remora",
		Subsystem: "dvm",
		Name:      "expired_jobs_total",
		Help:      "Jobs transitioned to expired by the sweeper.",
	})

	execDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remora",
		Subsystem: "dvm",
		Name:      "execution_duration_seconds",
		Help:      "Duration of service executions by request kind.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "remora",
		Subsystem: "dvm",
		Name:      "executions_active",
		Help:      "Number of in-flight execution tasks.",
	})

	registry.MustRegister(requests, transitions, receipts, publishes, expired, execDur, active)

	reg = registry
	jobRequests = requests
	jobTransitions = transitions
	zapReceipts = receipts
	relayPublishes = publishes
	expiredJobs = expired
	executionDuration = execDur
	executionsActive = active
}
