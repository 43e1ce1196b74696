// Package metrics exposes Prometheus instrumentation for the session engine.
// Hosts that do not scrape metrics simply never construct one; the engine
// treats a nil *Metrics as instrumentation disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "auth_session"

// Metrics holds the engine's counters. Construct with New and hand the value
// to the engine via its WithMetrics option.
type Metrics struct {
	signIns            *prometheus.CounterVec
	refreshes          *prometheus.CounterVec
	imports            *prometheus.CounterVec
	forcedSignOuts     prometheus.Counter
	broadcastAdoptions prometheus.Counter
}

// New creates the counter set and registers it against reg. A nil reg leaves
// the counters unregistered but still usable, which suits tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_ins_total",
			Help:      "Sign-in attempts by method and result.",
		}, []string{"method", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Token refresh attempts by result.",
		}, []string{"result"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_imports_total",
			Help:      "Startup session imports by result.",
		}, []string{"result"}),
		forcedSignOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_sign_outs_total",
			Help:      "Sessions discarded because the refresh token was rejected.",
		}),
		broadcastAdoptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_adoptions_total",
			Help:      "Sessions adopted from a sibling instance's broadcast.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.signIns, m.refreshes, m.imports, m.forcedSignOuts, m.broadcastAdoptions)
	}
	return m
}

// SignIn records a sign-in attempt. method is the credential mechanism
// (email-password, pat, mfa-totp, sign-up); result is success or failure.
func (m *Metrics) SignIn(method, result string) {
	if m == nil {
		return
	}
	m.signIns.WithLabelValues(method, result).Inc()
}

// Refresh records a token refresh attempt outcome
// (success, network_failure, invalidated).
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// Import records a startup session import outcome
// (success, network_failure, rejected, gave_up).
func (m *Metrics) Import(result string) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(result).Inc()
}

// ForcedSignOut records a session discarded on an invalid refresh token.
func (m *Metrics) ForcedSignOut() {
	if m == nil {
		return
	}
	m.forcedSignOuts.Inc()
}

// BroadcastAdoption records a session adopted from a sibling broadcast.
func (m *Metrics) BroadcastAdoption() {
	if m == nil {
		return
	}
	m.broadcastAdoptions.Inc()
}
