// Package clocktest provides a virtual-time clock.Scheduler.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/forestwatch/internal/clock"
)

// Scheduler is a clock.Scheduler whose time only moves when Advance is called.
// Due callbacks run synchronously on the goroutine calling Advance, in due order.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	s      *Scheduler
	id     int
	when   time.Time
	period time.Duration
	f      func()
	active bool
}

var _ clock.Scheduler = (*Scheduler)(nil)

// New returns a scheduler starting at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{now: start}
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	return s.add(d, 0, f)
}

func (s *Scheduler) Every(d time.Duration, f func()) clock.Timer {
	return s.add(d, d, f)
}

func (s *Scheduler) add(d, period time.Duration, f func()) *timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &timer{s: s, id: s.seq, when: s.now.Add(d), period: period, f: f, active: true}
	s.timers = append(s.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if !t.active {
		return false
	}
	t.active = false
	t.s.remove(t)
	return true
}

func (s *Scheduler) remove(t *timer) {
	for i, x := range s.timers {
		if x == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Advance moves virtual time forward by d, firing every callback that falls due.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}

		s.now = next.when
		if next.period > 0 {
			next.when = next.when.Add(next.period)
		} else {
			next.active = false
			s.remove(next)
		}
		f := next.f
		s.mu.Unlock()

		f()
	}
}

func (s *Scheduler) nextDue(target time.Time) *timer {
	due := make([]*timer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.when.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].id < due[j].id
		}
		return due[i].when.Before(due[j].when)
	})
	return due[0]
}

// Pending returns the number of active timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
