// Package eventbus is an in-process fanout used to report worker lifecycle,
// push and subscription events to observers (logs, metrics, tests).
//
// Publish never blocks. Subscribers get a buffered channel; a subscriber that
// falls behind loses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	WorkerState       = "worker.state"      // Data: StateChange
	CachesDeleted     = "worker.caches"     // Data: []string
	PushHandled       = "worker.push"       // Data: worker.Result
	NotificationClick = "worker.click"      // Data: notification id
	SubscriptionState = "session.state"     // Data: StateChange
	ConfigReloaded    = "app.config.reload" // Data: []string changed sections
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// StateChange is the payload of WorkerState and SubscriptionState.
type StateChange struct {
	Subject string // worker version or registration scope
	From    string
	To      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Nop discards everything. Subscribe returns a channel that is never written.
func Nop() Bus { return nopBus{} }

type sub struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	snapshot := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- e:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}
