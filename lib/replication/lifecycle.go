package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("replication")

// --------------------------------------------------------------------------
// Lifecycle States
// --------------------------------------------------------------------------

// State is the lifecycle state of an adapter.
type State int32

const (
	Disconnected  State = iota // not started or closed
	Bootstrapping              // fetching the initial content
	Synced                     // subscribed, mirroring remote changes
	Reconnecting               // transport lost, cached state is kept
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Bootstrapping:
		return "bootstrapping"
	case Synced:
		return "synced"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// allowed lists the valid transitions. Every state may go to Disconnected (Close).
var allowed = map[State][]State{
	Disconnected:  {Bootstrapping},
	Bootstrapping: {Synced, Reconnecting},
	Synced:        {Reconnecting, Bootstrapping},
	Reconnecting:  {Synced, Bootstrapping},
}

// Lifecycle tracks the state of one adapter and exports it as the gauge
// dsync_adapter_state{adapter="<name>"}.
type Lifecycle struct {
	name string

	mu       sync.Mutex
	state    State
	changed  chan struct{} // closed and replaced on every transition
	onChange []func(from, to State)
}

// NewLifecycle creates a lifecycle in state Disconnected.
func NewLifecycle(name string) *Lifecycle {
	l := &Lifecycle{name: name, changed: make(chan struct{})}
	metrics.GetOrCreateGauge(fmt.Sprintf(`dsync_adapter_state{adapter=%q}`, name), func() float64 {
		return float64(l.State())
	})
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to state to. Transitions that are not allowed are ignored
// and reported with false. Transitioning to the current state is a no-op that
// reports true.
func (l *Lifecycle) Transition(to State) bool {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return true
	}
	if to != Disconnected && !contains(allowed[from], to) {
		l.mu.Unlock()
		log.Warningf("%s: ignoring invalid transition %s -> %s", l.name, from, to)
		return false
	}
	l.state = to
	close(l.changed)
	l.changed = make(chan struct{})
	listeners := append([]func(from, to State){}, l.onChange...)
	l.mu.Unlock()

	log.Infof("%s: %s -> %s", l.name, from, to)
	for _, fn := range listeners {
		fn(from, to)
	}
	return true
}

// OnChange registers fn for all future transitions.
func (l *Lifecycle) OnChange(fn func(from, to State)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Wait blocks until the state equals want or ctx is done.
func (l *Lifecycle) Wait(ctx context.Context, want State) error {
	for {
		l.mu.Lock()
		state, changed := l.state, l.changed
		l.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func contains(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Reconnect Loop
// --------------------------------------------------------------------------

// NewBackOff returns the exponential backoff used by all reconnect loops.
// It never gives up, callers stop it through the context.
func NewBackOff(maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
		if maxInterval < b.InitialInterval {
			b.InitialInterval = maxInterval
		}
	}
	b.MaxElapsedTime = 0
	return b
}

// Reconnect calls probe with exponential backoff until it succeeds or ctx is done.
// While retrying the lifecycle is in state Reconnecting, after success it is Synced.
// Cached state is not touched, the caller decides what to resync in probe.
func Reconnect(ctx context.Context, l *Lifecycle, maxInterval time.Duration, probe func(ctx context.Context) error) error {
	l.Transition(Reconnecting)
	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			return probe(ctx)
		},
		backoff.WithContext(NewBackOff(maxInterval), ctx),
		func(err error, next time.Duration) {
			log.Debugf("%s: reconnect attempt %d failed (%v), next in %s", l.name, attempts, err, next)
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	l.Transition(Synced)
	metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_reconnects_total{adapter=%q}`, l.name)).Inc()
	return nil
}
