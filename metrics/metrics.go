// Package metrics defines the Prometheus collectors exported by the
// engine, sync session, and transport.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine holds the engine's conversation-level metrics.
type Engine struct {
	NodesVerified    prometheus.Counter
	NodesSpeculative prometheus.Gauge
	HeadsChanged     prometheus.Counter
	EpochsRotated    prometheus.Counter
	VouchersOutstanding prometheus.Gauge
	ValidationErrors prometheus.CounterVec
}

// NewEngine registers and returns engine metrics under reg. A nil reg
// returns unregistered (test-safe) collectors.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		NodesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "engine", Name: "nodes_verified_total",
			Help: "Total DAG nodes marked verified.",
		}),
		NodesSpeculative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkletox", Subsystem: "engine", Name: "nodes_speculative",
			Help: "Current count of speculative (unverified) nodes in the most recently updated conversation.",
		}),
		HeadsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "engine", Name: "heads_changed_total",
			Help: "Total head-set replacements.",
		}),
		EpochsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "engine", Name: "epochs_rotated_total",
			Help: "Total ratchet epoch rotations.",
		}),
		VouchersOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkletox", Subsystem: "engine", Name: "vouchers_outstanding",
			Help: "Speculative nodes awaiting voucher-threshold promotion.",
		}),
		ValidationErrors: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "engine", Name: "validation_errors_total",
			Help: "Validation failures by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.NodesVerified, m.NodesSpeculative, m.HeadsChanged,
			m.EpochsRotated, m.VouchersOutstanding, &m.ValidationErrors)
	}
	return m
}

// Transport holds per-session transport metrics.
type Transport struct {
	CongestionWindow prometheus.Gauge
	SmoothedRTT      prometheus.Gauge
	RTOBackoffs      prometheus.Counter
	FastRetransmits  prometheus.Counter
	QuotaUsedBytes   prometheus.Gauge
	MessagesAcked    prometheus.Counter
	MessagesFailed   prometheus.Counter
}

// NewTransport registers and returns transport metrics under reg.
func NewTransport(reg prometheus.Registerer) *Transport {
	m := &Transport{
		CongestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "cwnd_fragments",
			Help: "Current congestion window in fragments.",
		}),
		SmoothedRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "srtt_ms",
			Help: "Smoothed round-trip time in milliseconds.",
		}),
		RTOBackoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "rto_backoffs_total",
			Help: "Total per-fragment RTO backoff events.",
		}),
		FastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "fast_retransmits_total",
			Help: "Total fast-retransmit events.",
		}),
		QuotaUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "reassembly_quota_used_bytes",
			Help: "Bytes currently reserved from the shared reassembly quota.",
		}),
		MessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "messages_acked_total",
			Help: "Total reliable messages fully acked.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkletox", Subsystem: "transport", Name: "messages_failed_total",
			Help: "Total reliable messages that failed (timeout).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CongestionWindow, m.SmoothedRTT, m.RTOBackoffs,
			m.FastRetransmits, m.QuotaUsedBytes, m.MessagesAcked, m.MessagesFailed)
	}
	return m
}
