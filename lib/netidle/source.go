package netidle

import (
	"sync"
)

// Kind identifies a request lifecycle event.
type Kind int

const (
	RequestStarted Kind = iota
	RequestFinished
	RequestFailed
)

func (k Kind) String() string {
	switch k {
	case RequestStarted:
		return "request-started"
	case RequestFinished:
		return "request-finished"
	case RequestFailed:
		return "request-failed"
	default:
		return "unknown"
	}
}

// Source delivers request lifecycle events for a single page.
// Implementations must deliver events for one source serially, in the order
// they were observed. The returned function removes the handler and must be
// safe to call more than once.
type Source interface {
	Subscribe(kind Kind, fn func()) (unsubscribe func())
}

// Emitter is an in-memory Source. Handlers are called synchronously from Emit
// without the emitter's lock held, so a handler may unsubscribe itself.
type Emitter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Kind][]subscriber
}

type subscriber struct {
	id uint64
	fn func()
}

// NewEmitter returns an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[Kind][]subscriber)}
}

// Subscribe implements Source.
func (e *Emitter) Subscribe(kind Kind, fn func()) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[kind] = append(e.subs[kind], subscriber{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			list := e.subs[kind]
			for i, s := range list {
				if s.id == id {
					e.subs[kind] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers one event of the given kind to the current subscribers.
func (e *Emitter) Emit(kind Kind) {
	e.mu.Lock()
	list := make([]subscriber, len(e.subs[kind]))
	copy(list, e.subs[kind])
	e.mu.Unlock()

	for _, s := range list {
		s.fn()
	}
}

// Subscribers reports how many handlers are registered for kind.
func (e *Emitter) Subscribers(kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[kind])
}
