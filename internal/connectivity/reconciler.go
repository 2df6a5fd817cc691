// Package connectivity maintains the single "is online" verdict from three
// racing sources: out-of-band lost and confirmed signals, and a periodic
// single-flight reachability probe.
//
// A probe's result is only committed when it agrees with every signal that
// arrived while it was in flight. Disagreement moves the reconciler to
// Ambiguous: nothing is published, the previous verdict stands, and a
// corrective re-probe is scheduled.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/metrics"
	"github.com/oriys/halo/internal/observability"
)

// Config holds reconciler tuning.
type Config struct {
	Prober         Prober
	Interval       time.Duration // Probe timer period (default: 5s)
	Timeout        time.Duration // Bound on one probe (default: 3s)
	ReprobeDelay   time.Duration // Wait before re-probing after Ambiguous (default: 2s)
	InitialOffline bool          // Start believing offline instead of online
	Now            func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		Timeout:      3 * time.Second,
		ReprobeDelay: 2 * time.Second,
	}
}

// Reconciler owns the connectivity state machine.
type Reconciler struct {
	cfg  Config
	feed *Feed

	mu              sync.Mutex
	state           State
	believed        bool
	lastLost        time.Time
	lastConfirmed   time.Time
	lastProbe       time.Time
	inFlight        bool
	flightLost      bool // Lost arrived during the current probe
	flightConfirmed bool // Confirmed arrived during the current probe

	active  atomic.Bool
	reprobe chan struct{}
}

// New creates a reconciler. A nil Prober always reports unreachable.
func New(cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReprobeDelay <= 0 {
		cfg.ReprobeDelay = def.ReprobeDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Prober == nil {
		cfg.Prober = ProberFunc(func(context.Context) (bool, error) {
			return false, fmt.Errorf("no prober configured")
		})
	}
	r := &Reconciler{
		cfg:      cfg,
		feed:     NewFeed(),
		state:    StateOnline,
		believed: true,
		reprobe:  make(chan struct{}, 1),
	}
	if cfg.InitialOffline {
		r.state = StateOffline
		r.believed = false
	}
	r.active.Store(true)
	metrics.SetConnectivityState(r.state.String())
	return r
}

// Lost handles a platform "connectivity lost" signal.
func (r *Reconciler) Lost() {
	r.mu.Lock()
	r.lastLost = r.cfg.Now()
	if r.inFlight {
		r.flightLost = true
	}
	prev := r.state
	publish := r.believed
	r.state = StateOffline
	r.believed = false
	r.commitLocked("signal_lost", prev, StateOffline, publish, false)
	r.mu.Unlock()
}

// Confirmed handles a platform "connectivity confirmed" signal.
func (r *Reconciler) Confirmed() {
	r.mu.Lock()
	r.lastConfirmed = r.cfg.Now()
	if r.inFlight {
		r.flightConfirmed = true
	}
	prev := r.state
	publish := !r.believed
	r.state = StateOnline
	r.believed = true
	r.commitLocked("signal_confirmed", prev, StateOnline, publish, true)
	r.mu.Unlock()
}

// Probe runs one reachability check and reconciles its result. It returns
// false without probing if another probe is outstanding.
func (r *Reconciler) Probe(ctx context.Context) bool {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return false
	}
	r.inFlight = true
	r.flightLost = false
	r.flightConfirmed = false
	r.mu.Unlock()

	ctx, span := observability.StartClientSpan(ctx, "connectivity.probe")
	start := time.Now()
	reachable, err := r.runProber(ctx)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.inFlight = false
	r.lastProbe = r.cfg.Now()
	prev := r.state
	var next State
	var publish bool
	if reachable {
		if r.flightLost {
			next = StateAmbiguous
		} else {
			next = StateOnline
			publish = !r.believed
			r.believed = true
		}
	} else {
		if r.flightConfirmed {
			next = StateAmbiguous
		} else {
			next = StateOffline
			publish = r.believed
			r.believed = false
		}
	}
	r.state = next

	result := "unreachable"
	switch {
	case next == StateAmbiguous:
		result = "ambiguous"
	case reachable:
		result = "reachable"
	}
	r.commitLocked("probe_"+result, prev, next, publish, reachable)
	r.mu.Unlock()

	metrics.RecordProbe(result, float64(elapsed.Milliseconds()))
	span.SetAttributes(observability.AttrProbeResult.String(result))
	if err != nil {
		logging.Op().Debug("connectivity probe failed", "error", err, "duration_ms", elapsed.Milliseconds())
	}
	observability.EndSpan(span, nil)

	if next == StateAmbiguous {
		r.scheduleReprobe()
	}
	return true
}

// runProber bounds the probe by the timeout. Panics and errors both count
// as unreachable.
func (r *Reconciler) runProber(ctx context.Context) (reachable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			reachable, err = false, fmt.Errorf("prober panic: %v", p)
		}
	}()
	reachable, err = r.cfg.Prober.Probe(ctx)
	if err != nil {
		reachable = false
	}
	return reachable, err
}

// commitLocked records a transition and publishes it. It runs under r.mu so
// feed order always matches commit order; Feed.Publish never blocks.
func (r *Reconciler) commitLocked(cause string, prev, next State, publish, value bool) {
	if prev != next {
		metrics.RecordConnectivityTransition(prev.String(), next.String())
		metrics.SetConnectivityState(next.String())
		logging.Op().Info("connectivity state changed", "from", prev.String(), "to", next.String(), "cause", cause)
	}
	if publish {
		r.feed.Publish(value)
	}
}

func (r *Reconciler) scheduleReprobe() {
	select {
	case r.reprobe <- struct{}{}:
	default:
	}
}

// SetActive pauses (false) or resumes (true) the probe timer. Signals and
// explicit Probe calls are unaffected.
func (r *Reconciler) SetActive(active bool) {
	r.active.Store(active)
}

// Run drives the probe timer and corrective re-probes until ctx is done.
// Ticks only probe while the believed state is Offline or Ambiguous.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var reprobeTimer *time.Timer
	var reprobeC <-chan time.Time
	defer func() {
		if reprobeTimer != nil {
			reprobeTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.active.Load() && r.State() != StateOnline {
				r.Probe(ctx)
			}
		case <-r.reprobe:
			if reprobeTimer != nil {
				reprobeTimer.Stop()
			}
			reprobeTimer = time.NewTimer(r.cfg.ReprobeDelay)
			reprobeC = reprobeTimer.C
		case <-reprobeC:
			reprobeC = nil
			if r.active.Load() && r.State() == StateAmbiguous {
				r.Probe(ctx)
			}
		}
	}
}

// Online returns the last published verdict.
func (r *Reconciler) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.believed
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a copy of the full state.
func (r *Reconciler) Snapshot() ConnectivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ConnectivityState{
		State:                 r.state,
		StateName:             r.state.String(),
		BelievedOnline:        r.believed,
		Ambiguous:             r.state == StateAmbiguous,
		ProbeInFlight:         r.inFlight,
		LastLostSignalAt:      r.lastLost,
		LastConfirmedSignalAt: r.lastConfirmed,
		LastProbeAt:           r.lastProbe,
	}
}

// Subscribe returns the online feed: every published verdict, latest wins.
func (r *Reconciler) Subscribe(ctx context.Context) <-chan bool {
	return r.feed.Subscribe(ctx)
}

// Close closes every feed subscription.
func (r *Reconciler) Close() {
	r.feed.Close()
}
