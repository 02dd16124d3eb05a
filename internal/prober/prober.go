package prober

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Probe runs a single reachability test against network's gateway address
// (the first usable host), per the config knob choosing ICMP echo or TCP
// connect. Exactly one probe kind is active at a time, per spec.
type Probe func(ctx context.Context, target string) (bool, error)

// ICMPProbe sends a single ICMP echo, grounded on
// client/doublezerod/internal/latency's use of pro-bing for exactly this
// purpose.
func ICMPProbe(timeout time.Duration) Probe {
	return func(ctx context.Context, target string) (bool, error) {
		pinger, err := probing.NewPinger(target)
		if err != nil {
			return false, fmt.Errorf("prober: new pinger: %w", err)
		}
		pinger.Count = 1
		pinger.Timeout = timeout
		pinger.SetPrivileged(false)
		if err := pinger.RunWithContext(ctx); err != nil {
			return false, fmt.Errorf("prober: ping %s: %w", target, err)
		}
		stats := pinger.Statistics()
		return stats.PacketsRecv > 0, nil
	}
}

// TCPProbe dials target:port, reporting success iff the connection opens
// within timeout. No ecosystem TCP-connect-probe library is warranted for a
// bare net.Dialer.DialContext call (see DESIGN.md).
func TCPProbe(port int, timeout time.Duration) Probe {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, target string) (bool, error) {
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", target, port))
		if err != nil {
			return false, nil
		}
		conn.Close()
		return true, nil
	}
}

// LanState tracks one known remote LAN's reachability transition counters.
type LanState struct {
	Network          string
	Reachable        bool
	ConsecutiveFails int
}

// Prober schedules and runs reachability tests for every known remote LAN
// not owned by the local cell, transitioning Reachable false->true on a
// single success and true->false after FailThreshold consecutive failures.
type Prober struct {
	mu           sync.Mutex
	probe        Probe
	period       time.Duration
	failThresh   int
	localLans    map[string]bool
	states       map[string]*LanState
	queue        *EventQueue
	onTransition func(network string, reachable bool)
}

func New(probe Probe, period time.Duration, failThreshold int) *Prober {
	return &Prober{
		probe:      probe,
		period:     period,
		failThresh: failThreshold,
		localLans:  map[string]bool{},
		states:     map[string]*LanState{},
		queue:      NewEventQueue(),
	}
}

func (p *Prober) OnTransition(fn func(network string, reachable bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// SetLocalLans marks networks owned by the local cell, which the prober
// never probes.
func (p *Prober) SetLocalLans(networks []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localLans = map[string]bool{}
	for _, n := range networks {
		p.localLans[n] = true
	}
}

// Track schedules a new network for probing if it is not local and not
// already tracked.
func (p *Prober) Track(network string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localLans[network] {
		return
	}
	if _, ok := p.states[network]; ok {
		return
	}
	p.states[network] = &LanState{Network: network}
	p.queue.Push(now, network)
}

// SpinOnce pops every probe due at or before now and runs it, feeding
// transitions to onTransition. target resolves a network to the address the
// probe should dial (the gateway/first usable host).
func (p *Prober) SpinOnce(ctx context.Context, now time.Time, target func(network string) string) {
	for {
		p.mu.Lock()
		network, ok := p.queue.PopIfDue(now)
		p.mu.Unlock()
		if !ok {
			return
		}
		p.runOne(ctx, network, now, target)
	}
}

func (p *Prober) runOne(ctx context.Context, network string, now time.Time, target func(string) string) {
	ok, _ := p.probe(ctx, target(network))

	p.mu.Lock()
	st, known := p.states[network]
	if !known {
		p.mu.Unlock()
		return
	}
	prevReachable := st.Reachable
	if ok {
		st.ConsecutiveFails = 0
		st.Reachable = true
	} else {
		st.ConsecutiveFails++
		if st.ConsecutiveFails >= p.failThresh {
			st.Reachable = false
		}
	}
	changed := st.Reachable != prevReachable
	reachable := st.Reachable
	fn := p.onTransition
	p.queue.Push(now.Add(p.period), network)
	p.mu.Unlock()

	if changed && fn != nil {
		fn(network, reachable)
	}
}
