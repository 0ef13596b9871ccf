// Package siggate implements the Signaling Gate: a single process-wide
// queue in front of every signaling-endpoint creation, because the
// underlying signaling service bans callers that create endpoints too
// fast. It generalizes the teacher's per-IP dual counter
// (internal/network.ipLimiter, an acquire/release pair guarding a map
// under one mutex) into a priority queue guard, and grounds its
// adaptive backoff on the teacher's connMan recovery bookkeeping
// (enterTotal/boostUntil/lastDebugLogAt in internal/daemon/connman.go).
package siggate

import (
	"sync"
	"time"
)

// Priority distinguishes a caller's own persistent endpoint (High,
// preempts) from ordinary election/checkin jobs (Normal).
type Priority int

const (
	Normal Priority = iota
	High
)

const (
	baseInterval    = 1500 * time.Millisecond
	maxInterval     = 15 * time.Second
	probeCacheTTL   = 10 * time.Second
	throttleDecayAfter = 60 * time.Second
	maxThrottleExp  = 4
)

// State is the snapshot handed to subscribers.
type State struct {
	Pending         int
	CurrentInterval time.Duration
	ThrottleCount   int
	NetworkDown     bool
}

type job struct {
	fn       func()
	priority Priority
}

// Gate is the single process-wide actor described in spec.md §9
// ("Global mutable state ... a single-owner actor with an explicit
// handle passed to every component, not a hidden static"). Callers
// construct one Gate and share the pointer; siggate never keeps a
// package-level instance.
type Gate struct {
	mu sync.Mutex

	high   []job
	normal []job

	currentInterval time.Duration
	throttleCount   int
	lastThrottleAt  time.Time
	networkDown     bool

	probeAt     time.Time
	probeResult bool

	probeFn func() bool
	now     func() time.Time

	base       time.Duration
	max        time.Duration
	decayAfter time.Duration

	subscribers []func(State)

	paused chan struct{} // closed while running, replaced while paused
	stopCh chan struct{}
	wake   chan struct{}
	once   sync.Once
}

// Option configures a Gate at construction time.
type Option func(*Gate)

// WithProbe overrides the network-reachability probe used to
// distinguish throttling from a down network. Defaults to a probe
// that always reports reachable — production callers should supply a
// real HEAD-request probe.
func WithProbe(fn func() bool) Option {
	return func(g *Gate) { g.probeFn = fn }
}

// WithClock overrides the gate's time source, for deterministic tests
// (spec.md §8 S5: throttle/decay timing).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithIntervals overrides the base and max backoff intervals. Tests
// shrink these to exercise the S5 scenario's ratios without waiting on
// the production 1.5s/15s values in real time.
func WithIntervals(base, max time.Duration) Option {
	return func(g *Gate) {
		g.base = base
		g.max = max
	}
}

// WithDecayAfter overrides the idle duration after which the throttle
// counter fully resets (spec.md §4.2: "automatically after 60s of no
// new throttles").
func WithDecayAfter(d time.Duration) Option {
	return func(g *Gate) { g.decayAfter = d }
}

// New constructs a Gate and starts its dispatch loop.
func New(opts ...Option) *Gate {
	g := &Gate{
		base:       baseInterval,
		max:        maxInterval,
		decayAfter: throttleDecayAfter,
		probeFn:    func() bool { return true },
		now:        time.Now,
		stopCh:     make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.currentInterval = g.base
	go g.dispatchLoop()
	return g
}

// Schedule enqueues fn to run at the gate's current cadence. High
// priority jobs preempt Normal ones (drain first) but do not reorder
// among their own priority — same acquire/release-shaped guard as
// ipLimiter, generalized to two counted lanes instead of one.
// Schedule enqueues fn. The dispatcher only fast-paths straight to it when
// the queue was empty beforehand: a Schedule landing while another job is
// already queued must wait out the current_interval like everything else,
// never preempt a timer that is legitimately counting down.
func (g *Gate) Schedule(fn func(), priority Priority) {
	g.mu.Lock()
	wasIdle := len(g.high) == 0 && len(g.normal) == 0
	if priority == High {
		g.high = append(g.high, job{fn: fn, priority: priority})
	} else {
		g.normal = append(g.normal, job{fn: fn, priority: priority})
	}
	g.mu.Unlock()
	if wasIdle {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
}

// ReportSuccess signals a successful signaling registration: it decays
// the throttle counter by one and clears any network-down pause.
func (g *Gate) ReportSuccess() {
	g.mu.Lock()
	wasDown := g.networkDown
	if g.throttleCount > 0 {
		g.throttleCount--
		g.recomputeIntervalLocked()
	}
	g.networkDown = false
	hasWork := len(g.high) > 0 || len(g.normal) > 0
	g.mu.Unlock()
	g.notify()
	// Only jump the queue when we're resuming from a network-down pause:
	// the loop wasn't counting down toward anything while paused, so there
	// is no in-flight interval to preempt.
	if wasDown && hasWork {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
}

// ReportFailure runs the cached reachability probe to distinguish
// throttling (probe succeeds: back off) from a down network (probe
// fails: pause entirely until ReportSuccess).
func (g *Gate) ReportFailure() {
	now := g.now()
	g.mu.Lock()
	reachable := g.probeLocked(now)
	if reachable {
		if g.throttleCount < maxThrottleExp {
			g.throttleCount++
		}
		g.lastThrottleAt = now
		g.recomputeIntervalLocked()
		g.networkDown = false
	} else {
		g.networkDown = true
	}
	g.mu.Unlock()
	g.notify()
}

func (g *Gate) probeLocked(now time.Time) bool {
	if !g.probeAt.IsZero() && now.Sub(g.probeAt) < probeCacheTTL {
		return g.probeResult
	}
	// Probe runs without holding the lock's caller in a re-entrant way;
	// safe here because Gate.probeFn does not call back into Gate.
	result := g.probeFn()
	g.probeAt = now
	g.probeResult = result
	return result
}

func (g *Gate) recomputeIntervalLocked() {
	if g.throttleCount == 0 {
		g.currentInterval = g.base
		return
	}
	mult := 1.0
	for i := 0; i < g.throttleCount; i++ {
		mult *= 3
	}
	interval := time.Duration(float64(g.base) * mult)
	if interval > g.max {
		interval = g.max
	}
	g.currentInterval = interval
}

// CancelAll drops every queued job without running it.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	g.high = nil
	g.normal = nil
	g.mu.Unlock()
}

// Subscribe registers a callback invoked on every state transition.
func (g *Gate) Subscribe(fn func(State)) {
	g.mu.Lock()
	g.subscribers = append(g.subscribers, fn)
	g.mu.Unlock()
}

func (g *Gate) notify() {
	g.mu.Lock()
	state := State{
		Pending:         len(g.high) + len(g.normal),
		CurrentInterval: g.currentInterval,
		ThrottleCount:   g.throttleCount,
		NetworkDown:     g.networkDown,
	}
	subs := append([]func(State){}, g.subscribers...)
	g.mu.Unlock()
	for _, s := range subs {
		s(state)
	}
}

func (g *Gate) popLocked() (job, bool) {
	if len(g.high) > 0 {
		j := g.high[0]
		g.high = g.high[1:]
		return j, true
	}
	if len(g.normal) > 0 {
		j := g.normal[0]
		g.normal = g.normal[1:]
		return j, true
	}
	return job{}, false
}

// dispatchLoop pops one job per current_interval and runs it
// synchronously on this goroutine, matching spec.md §4.2's invariant
// that listener registration inside the callback must not be deferred
// past the tick that runs it.
func (g *Gate) dispatchLoop() {
	timer := time.NewTimer(g.intervalSnapshot())
	defer timer.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-g.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(0)
		case <-timer.C:
			g.tick()
			timer.Reset(g.intervalSnapshot())
		}
		g.decayIfIdle()
	}
}

func (g *Gate) intervalSnapshot() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentInterval
}

func (g *Gate) tick() {
	g.mu.Lock()
	if g.networkDown {
		g.mu.Unlock()
		return
	}
	j, ok := g.popLocked()
	g.mu.Unlock()
	if !ok {
		return
	}
	j.fn()
	g.notify()
}

func (g *Gate) decayIfIdle() {
	now := g.now()
	g.mu.Lock()
	changed := false
	if g.throttleCount > 0 && !g.lastThrottleAt.IsZero() && now.Sub(g.lastThrottleAt) >= g.decayAfter {
		g.throttleCount = 0
		g.currentInterval = g.base
		changed = true
	}
	g.mu.Unlock()
	if changed {
		g.notify()
	}
}

// Stop terminates the dispatch loop. Queued jobs are dropped.
func (g *Gate) Stop() {
	g.once.Do(func() { close(g.stopCh) })
}

// Snapshot returns the current queue/backoff state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Pending:         len(g.high) + len(g.normal),
		CurrentInterval: g.currentInterval,
		ThrottleCount:   g.throttleCount,
		NetworkDown:     g.networkDown,
	}
}
