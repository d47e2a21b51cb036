package netidle

import "sync"

// subscriptions holds the three lifecycle handlers of one run. They are
// acquired together and released together, exactly once.
type subscriptions struct {
	once    sync.Once
	release []func()
}

func acquire(src Source, events chan<- Kind, quit <-chan struct{}) *subscriptions {
	forward := func(kind Kind) func() {
		return func() {
			// Blocks the source until the run loop takes the event, which keeps
			// delivery order intact. After completion the event is dropped.
			select {
			case events <- kind:
			case <-quit:
			}
		}
	}

	return &subscriptions{
		release: []func(){
			src.Subscribe(RequestStarted, forward(RequestStarted)),
			src.Subscribe(RequestFinished, forward(RequestFinished)),
			src.Subscribe(RequestFailed, forward(RequestFailed)),
		},
	}
}

func (s *subscriptions) Release() {
	s.once.Do(func() {
		for _, unsubscribe := range s.release {
			unsubscribe()
		}
	})
}
