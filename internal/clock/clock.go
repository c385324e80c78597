// Package clock abstracts timers so callback-driven components can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer cancels a scheduled callback. Stop reports whether the call
// prevented the callback from firing.
type Timer interface {
	Stop() bool
}

// Clock schedules one-shot and periodic callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f each period until the returned timer is stopped.
	Every(period time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) Every(period time.Duration, f func()) Timer {
	t := &interval{ticker: time.NewTicker(period), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				f()
			}
		}
	}()
	return t
}

type interval struct {
	ticker *time.Ticker
	once   sync.Once
	done   chan struct{}
}

func (t *interval) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
