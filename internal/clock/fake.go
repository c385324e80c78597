package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock. Callbacks run synchronously on the
// goroutine calling Advance, in due-time order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	entries []*fakeEntry
}

type fakeEntry struct {
	clock  *Fake
	seq    uint64
	due    time.Time
	period time.Duration
	fn     func()
	active bool
}

// NewFake returns a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.schedule(d, 0, fn)
}

func (f *Fake) Every(period time.Duration, fn func()) Timer {
	return f.schedule(period, period, fn)
}

func (f *Fake) schedule(d, period time.Duration, fn func()) *fakeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e := &fakeEntry{clock: f, seq: f.seq, due: f.now.Add(d), period: period, fn: fn, active: true}
	f.entries = append(f.entries, e)
	return e
}

// Pending returns the number of scheduled callbacks that have not fired or
// been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.active {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every callback that becomes
// due along the way.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			next.active = false
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

func (f *Fake) nextDueLocked(target time.Time) *fakeEntry {
	live := f.entries[:0]
	for _, e := range f.entries {
		if e.active {
			live = append(live, e)
		}
	}
	f.entries = live
	sort.SliceStable(f.entries, func(i, j int) bool {
		if f.entries[i].due.Equal(f.entries[j].due) {
			return f.entries[i].seq < f.entries[j].seq
		}
		return f.entries[i].due.Before(f.entries[j].due)
	})
	if len(f.entries) > 0 && !f.entries[0].due.After(target) {
		return f.entries[0]
	}
	return nil
}

func (e *fakeEntry) Stop() bool {
	e.clock.mu.Lock()
	defer e.clock.mu.Unlock()
	was := e.active
	e.active = false
	return was
}
