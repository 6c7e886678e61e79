// Package metrics exposes prometheus collectors for the adapter registry,
// the resubscription machine and the pairing coordinator.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "btlocal"

// The different outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeGaveUp    = "gave_up"
	OutcomeCanceled  = "canceled"

	ResultOK      = "ok"
	ResultNoop    = "noop"
	ResultDenied  = "denied"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	Records             prometheus.Gauge
	Clients             *prometheus.GaugeVec
	StateNotifications  *prometheus.CounterVec
	DuplicateCallbacks  prometheus.Counter
	ResolutionFailures  *prometheus.CounterVec
	ResubscribeAttempts *prometheus.CounterVec
	ResubscribeOutcomes *prometheus.CounterVec
	ModeChanges         *prometheus.CounterVec
	PairingOutcomes     *prometheus.CounterVec
}

// New returns a new set of collectors registered to a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_records",
			Help:      "Number of adapters with at least one interested client.",
		}),
		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_clients",
			Help:      "Number of clients interested in an adapter.",
		}, []string{"adapter"}),
		StateNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_notifications_total",
			Help:      "Power state change notifications by adapter and state.",
		}, []string{"adapter", "state"}),
		DuplicateCallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_state_callbacks_total",
			Help:      "State change callbacks that did not change the observed state.",
		}),
		ResolutionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_failures_total",
			Help:      "Failed radio handle resolutions by adapter.",
		}, []string{"adapter"}),
		ResubscribeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribe_attempts_total",
			Help:      "Resubscription attempts by adapter.",
		}, []string{"adapter"}),
		ResubscribeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribe_outcomes_total",
			Help:      "Finished resubscription machines by outcome.",
		}, []string{"outcome"}),
		ModeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_changes_total",
			Help:      "Host mode change requests by result.",
		}, []string{"result"}),
		PairingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_outcomes_total",
			Help:      "Pairing requests by requested mode and result.",
		}, []string{"mode", "result"}),
	}

	m.registry.MustRegister(
		m.Records,
		m.Clients,
		m.StateNotifications,
		m.DuplicateCallbacks,
		m.ResolutionFailures,
		m.ResubscribeAttempts,
		m.ResubscribeOutcomes,
		m.ModeChanges,
		m.PairingOutcomes,
	)

	return m
}

// Registry returns the registry the collectors are registered to.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves the collectors on address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "address", address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// SetClients records the number of clients of an adapter.
// The series is removed when the count drops to zero.
func (m *Metrics) SetClients(adapterID string, clients int) {
	if m == nil {
		return
	}

	if clients <= 0 {
		m.Clients.DeleteLabelValues(adapterID)
		return
	}

	m.Clients.WithLabelValues(adapterID).Set(float64(clients))
}

// SetRecords records the number of adapter records.
func (m *Metrics) SetRecords(records int) {
	if m == nil {
		return
	}

	m.Records.Set(float64(records))
}

// StateNotified counts a power state change notification.
func (m *Metrics) StateNotified(adapterID, state string) {
	if m == nil {
		return
	}

	m.StateNotifications.WithLabelValues(adapterID, state).Inc()
}

// DuplicateCallback counts a state change callback that was suppressed.
func (m *Metrics) DuplicateCallback() {
	if m == nil {
		return
	}

	m.DuplicateCallbacks.Inc()
}

// ResolutionFailed counts a failed radio handle resolution.
func (m *Metrics) ResolutionFailed(adapterID string) {
	if m == nil {
		return
	}

	m.ResolutionFailures.WithLabelValues(adapterID).Inc()
}

// ResubscribeAttempted counts a resubscription attempt.
func (m *Metrics) ResubscribeAttempted(adapterID string) {
	if m == nil {
		return
	}

	m.ResubscribeAttempts.WithLabelValues(adapterID).Inc()
}

// ResubscribeFinished counts a finished resubscription machine.
func (m *Metrics) ResubscribeFinished(outcome string) {
	if m == nil {
		return
	}

	m.ResubscribeOutcomes.WithLabelValues(outcome).Inc()
}

// ModeChanged counts a host mode change request.
func (m *Metrics) ModeChanged(result string) {
	if m == nil {
		return
	}

	m.ModeChanges.WithLabelValues(result).Inc()
}

// PairingFinished counts a finished pairing request.
func (m *Metrics) PairingFinished(mode, result string) {
	if m == nil {
		return
	}

	m.PairingOutcomes.WithLabelValues(mode, result).Inc()
}
