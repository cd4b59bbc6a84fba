package transport

import (
	"math"
	"time"
)

// Controller is the pluggable congestion-control interface of §4.8: an
// AIMD or CUBIC controller returns an infinite pacing rate (no
// pacing), a BBR-shaped controller returns a finite one.
type Controller interface {
	// CongestionWindow reports the current window, in fragments.
	CongestionWindow() int
	// OnAck folds a cumulative ACK observation into the controller.
	OnAck(rtt time.Duration, deliveredBytes int, inFlight int, now time.Time)
	// OnNack reacts to one NACK batch (at most once per batch).
	OnNack(now time.Time)
	// OnLoss reacts to an RTO-driven retransmit, the strongest signal.
	OnLoss(now time.Time)
	// PacingRate returns bytes/sec, or +Inf to disable pacing.
	PacingRate() float64
}

// AIMD is an additive-increase/multiplicative-decrease controller
// (the classic TCP-Reno-style default named in §4.8).
type AIMD struct {
	cwnd       float64
	ssthresh   float64
	minCwnd    float64
}

// NewAIMD returns an AIMD controller starting in slow start.
func NewAIMD() *AIMD {
	return &AIMD{cwnd: 4, ssthresh: 64, minCwnd: 2}
}

func (a *AIMD) CongestionWindow() int {
	if a.cwnd < a.minCwnd {
		return int(a.minCwnd)
	}
	return int(a.cwnd)
}

func (a *AIMD) OnAck(rtt time.Duration, deliveredBytes int, inFlight int, now time.Time) {
	if a.cwnd < a.ssthresh {
		a.cwnd++ // slow start: +1 fragment per acked burst
		return
	}
	a.cwnd += 1 / a.cwnd // congestion avoidance: +1/cwnd per ack
}

func (a *AIMD) OnNack(now time.Time) {
	a.ssthresh = a.cwnd / 2
	if a.ssthresh < a.minCwnd {
		a.ssthresh = a.minCwnd
	}
	a.cwnd = a.ssthresh
}

func (a *AIMD) OnLoss(now time.Time) {
	a.ssthresh = a.cwnd / 2
	if a.ssthresh < a.minCwnd {
		a.ssthresh = a.minCwnd
	}
	a.cwnd = a.minCwnd
}

// PacingRate returns +Inf: AIMD has no notion of a send rate distinct
// from cwnd, so the sender must not throttle beyond window limits.
func (a *AIMD) PacingRate() float64 { return math.Inf(1) }
