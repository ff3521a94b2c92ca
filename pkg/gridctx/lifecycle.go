package gridctx

import (
	"sync"
)

// State is the per-instance lifecycle state of a mounted datasource.
type State int

const (
	StateIdle State = iota
	StateActive
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateUnmounted:
		return "unmounted"
	}
	return "unknown"
}

// TransitionPolicy decides what happens to the grid's own row model on a context change.
type TransitionPolicy int

const (
	// SoftTransition leaves the grid's row model in place and relies on row identity and
	// the cache's staleness check.
	SoftTransition TransitionPolicy = iota
	// HardReset additionally purges the grid's row model on every context change.
	HardReset
)

func (p TransitionPolicy) String() string {
	if p == HardReset {
		return "hard-reset"
	}
	return "soft"
}

// Lifecycle tracks Idle → Active → (Active)* → Unmounted for one mounted instance.
type Lifecycle struct {
	mu         sync.Mutex
	state      State
	contextKey string
	sort       SortModel
	changes    int
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Transition is the result of Advance.
type Transition struct {
	// First is true for the Idle → Active transition.
	First bool
	// ContextChanged is true when the active context key moved (never on First).
	ContextChanged bool
	// SortChanged is true when the sort model differs from the previous request's.
	SortChanged bool
	// Unmounted is true when the lifecycle already ended; nothing else is set then.
	Unmounted bool
}

// Advance records a request made under contextKey with sort model sort.
func (l *Lifecycle) Advance(contextKey string, sort SortModel) Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateUnmounted:
		return Transition{Unmounted: true}
	case StateIdle:
		l.state = StateActive
		l.contextKey = contextKey
		l.sort = sort.Normalize()
		return Transition{First: true}
	}

	t := Transition{
		ContextChanged: contextKey != l.contextKey,
		SortChanged:    !sort.Equal(l.sort),
	}
	if t.ContextChanged {
		l.changes++
	}
	l.contextKey = contextKey
	l.sort = sort.Normalize()
	return t
}

// Unmount moves to the terminal state. It reports whether this call performed the move.
func (l *Lifecycle) Unmount() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUnmounted {
		return false
	}
	l.state = StateUnmounted
	return true
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ContextKey returns the most recently advanced context key.
func (l *Lifecycle) ContextKey() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contextKey
}

// Changes counts context changes observed while active.
func (l *Lifecycle) Changes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changes
}
