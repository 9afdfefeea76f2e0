// Package timing measures the connection phases of a fetch hop.
package timing

import (
	"fmt"
	"strings"
	"time"
)

// Phase is one measured step of a hop.
type Phase int

const (
	PhaseDNS Phase = iota
	PhaseTCP
	PhaseTLS
	// PhaseTTFB runs from the request being sent to the first response line.
	PhaseTTFB

	numPhases
)

var phaseNames = [numPhases]string{"dns", "tcp", "tls", "ttfb"}

// String returns the lowercase phase name used as a metric label.
func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return "unknown"
	}
	return phaseNames[p]
}

// Metrics holds the phase durations of one hop. Phases that did not run
// are zero.
type Metrics struct {
	DNSLookup    time.Duration `json:"dns_lookup"`
	TCPConnect   time.Duration `json:"tcp_connect"`
	TLSHandshake time.Duration `json:"tls_handshake"`
	TTFB         time.Duration `json:"ttfb"`
	TotalTime    time.Duration `json:"total_time"`
}

// Phase returns the duration recorded for p.
func (m Metrics) Phase(p Phase) time.Duration {
	switch p {
	case PhaseDNS:
		return m.DNSLookup
	case PhaseTCP:
		return m.TCPConnect
	case PhaseTLS:
		return m.TLSHandshake
	case PhaseTTFB:
		return m.TTFB
	}
	return 0
}

// Each calls fn for every phase that ran, in hop order.
func (m Metrics) Each(fn func(Phase, time.Duration)) {
	for p := PhaseDNS; p < numPhases; p++ {
		if d := m.Phase(p); d > 0 {
			fn(p, d)
		}
	}
}

// ConnectionTime is DNS, TCP and TLS combined.
func (m Metrics) ConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake
}

func (m Metrics) String() string {
	var b strings.Builder
	m.Each(func(p Phase, d time.Duration) {
		fmt.Fprintf(&b, "%s=%v ", p, d)
	})
	fmt.Fprintf(&b, "total=%v", m.TotalTime)
	return b.String()
}

// Timer records phase boundaries for one hop. It is not safe for
// concurrent use.
type Timer struct {
	start  time.Time
	begun  [numPhases]time.Time
	ended  [numPhases]time.Time
	nowFun func() time.Time
}

// NewTimer starts a hop clock.
func NewTimer() *Timer {
	return &Timer{start: time.Now(), nowFun: time.Now}
}

// Start marks the beginning of p.
func (t *Timer) Start(p Phase) {
	t.begun[p] = t.nowFun()
}

// End marks the end of p. An End without a Start is ignored.
func (t *Timer) End(p Phase) {
	t.ended[p] = t.nowFun()
}

// Track starts p and returns the function that ends it, for use with defer.
func (t *Timer) Track(p Phase) func() {
	t.Start(p)
	return func() { t.End(p) }
}

func (t *Timer) elapsed(p Phase) time.Duration {
	if t.begun[p].IsZero() || t.ended[p].IsZero() || t.ended[p].Before(t.begun[p]) {
		return 0
	}
	return t.ended[p].Sub(t.begun[p])
}

// GetMetrics returns the durations recorded so far.
func (t *Timer) GetMetrics() Metrics {
	return Metrics{
		DNSLookup:    t.elapsed(PhaseDNS),
		TCPConnect:   t.elapsed(PhaseTCP),
		TLSHandshake: t.elapsed(PhaseTLS),
		TTFB:         t.elapsed(PhaseTTFB),
		TotalTime:    t.nowFun().Sub(t.start),
	}
}
