// Package clock abstracts time so that timer-driven components can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a pending one-shot or repeating callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still active.
	Stop() bool
}

// Scheduler provides the current time and cancellable callbacks.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f once, on its own goroutine, after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f every d until the returned timer is stopped.
	Every(d time.Duration, f func()) Timer
}

// Real returns a Scheduler backed by the runtime clock.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realScheduler) Every(d time.Duration, f func()) Timer {
	t := &ticker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go t.run(f)
	return t
}

type ticker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *ticker) run(f func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			select {
			case <-t.done:
				return
			default:
			}
			f()
		}
	}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
