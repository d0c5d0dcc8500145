package scheduler

import (
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/reconcile"
)

type State int

const (
	Idle State = iota
	Running
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}

// ProviderStatus is the outcome of the last cycle for one provider.
type ProviderStatus struct {
	Name        string           `json:"name"`
	LastAttempt time.Time        `json:"last_attempt,omitzero"`
	LastSuccess time.Time        `json:"last_success,omitzero"`
	LastError   string           `json:"last_error,omitempty"`
	LastResult  reconcile.Result `json:"last_result"`
	NeedsAuth   bool             `json:"needs_auth"`
}

// Status is a point-in-time copy of the scheduler state.
type Status struct {
	State       State            `json:"-"`
	Failures    int              `json:"failures"`
	Delay       time.Duration    `json:"delay,omitempty"`
	NextAttempt time.Time        `json:"next_attempt,omitzero"`
	Providers   []ProviderStatus `json:"providers"`
}

// Provider returns the status of name, or false when it is not configured.
func (s Status) Provider(name string) (ProviderStatus, bool) {
	for _, p := range s.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderStatus{}, false
}

type EventType int

const (
	SyncStarted EventType = iota
	SyncComplete
	SyncError
	AuthRequired
	AuthComplete
)

func (t EventType) String() string {
	switch t {
	case SyncStarted:
		return "sync_started"
	case SyncComplete:
		return "sync_complete"
	case SyncError:
		return "sync_error"
	case AuthRequired:
		return "auth_required"
	case AuthComplete:
		return "auth_complete"
	}
	return "unknown"
}

// Event is published to subscribers. Provider is empty for cycle-wide
// events; Delay is set on a SyncError that put the scheduler in backoff.
type Event struct {
	Type     EventType
	Provider string
	Pulled   int
	Pushed   int
	Err      string
	Delay    time.Duration
}

// StatusCell holds the scheduler status. Only the scheduler writes to it;
// readers get copies.
type StatusCell struct {
	mu   sync.RWMutex
	st   Status
	subs map[int]chan Event
	next int
}

func NewStatusCell(providers []string) *StatusCell {
	c := &StatusCell{subs: make(map[int]chan Event)}
	for _, p := range providers {
		c.st.Providers = append(c.st.Providers, ProviderStatus{Name: p})
	}
	return c
}

func (c *StatusCell) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.st
	st.Providers = slices.Clone(c.st.Providers)
	return st
}

func (c *StatusCell) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.State
}

// Subscribe returns a channel receiving future events. Events that do not
// fit into the buffer are dropped. The returned func cancels the
// subscription and closes the channel.
func (c *StatusCell) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *StatusCell) update(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.st)
}

func (c *StatusCell) updateProvider(name string, fn func(*ProviderStatus)) {
	c.update(func(st *Status) {
		for i := range st.Providers {
			if st.Providers[i].Name == name {
				fn(&st.Providers[i])
				return
			}
		}
	})
}

func (c *StatusCell) publish(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
