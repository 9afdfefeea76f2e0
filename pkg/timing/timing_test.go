package timing

import (
	"testing"
	"time"
)

// fakeClock advances by step on every reading.
func fakeClock(step time.Duration) func() time.Time {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestTimerPhases(t *testing.T) {
	timer := &Timer{nowFun: fakeClock(5 * time.Millisecond)}
	timer.start = timer.nowFun()

	timer.Start(PhaseDNS)
	timer.End(PhaseDNS)

	done := timer.Track(PhaseTCP)
	done()

	timer.Start(PhaseTTFB)
	timer.End(PhaseTTFB)

	metrics := timer.GetMetrics()

	if metrics.DNSLookup != 5*time.Millisecond {
		t.Errorf("unexpected DNS timing: %v", metrics.DNSLookup)
	}
	if metrics.TCPConnect != 5*time.Millisecond {
		t.Errorf("unexpected TCP timing: %v", metrics.TCPConnect)
	}
	if metrics.TLSHandshake != 0 {
		t.Errorf("TLS phase never started, got %v", metrics.TLSHandshake)
	}
	if metrics.TTFB != 5*time.Millisecond {
		t.Errorf("unexpected TTFB timing: %v", metrics.TTFB)
	}
	if metrics.TotalTime < metrics.ConnectionTime()+metrics.TTFB {
		t.Errorf("total %v shorter than its phases", metrics.TotalTime)
	}
}

func TestEndWithoutStart(t *testing.T) {
	timer := NewTimer()
	timer.End(PhaseTLS)

	if d := timer.GetMetrics().TLSHandshake; d != 0 {
		t.Errorf("TLSHandshake = %v, want 0", d)
	}
}

func TestMetricsEach(t *testing.T) {
	metrics := Metrics{
		DNSLookup: 10 * time.Millisecond,
		TTFB:      40 * time.Millisecond,
		TotalTime: 100 * time.Millisecond,
	}

	var seen []Phase
	metrics.Each(func(p Phase, d time.Duration) {
		seen = append(seen, p)
		if d != metrics.Phase(p) {
			t.Errorf("Each(%s) = %v, want %v", p, d, metrics.Phase(p))
		}
	})
	if len(seen) != 2 || seen[0] != PhaseDNS || seen[1] != PhaseTTFB {
		t.Errorf("Each visited %v, want [dns ttfb]", seen)
	}

	if got, want := metrics.String(), "dns=10ms ttfb=40ms total=100ms"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{PhaseDNS: "dns", PhaseTCP: "tcp", PhaseTLS: "tls", PhaseTTFB: "ttfb", Phase(9): "unknown"} {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, p.String(), want)
		}
	}
}
