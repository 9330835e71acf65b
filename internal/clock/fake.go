package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called. AfterFunc
// callbacks run synchronously inside Advance, in deadline order, so tests
// observe their effects as soon as Advance returns.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

type fakeTimer struct {
	deadline time.Time
	f        func()
	fired    bool
	stopped  bool
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewFake returns a Fake clock pinned to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves time forward by d, firing due AfterFunc callbacks in
// deadline order and delivering due ticker ticks. Ticks are delivered
// non-blocking: if a ticker's channel is full the tick is dropped,
// matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		timer := f.nextDueTimerLocked(target)
		if timer == nil {
			break
		}
		if timer.deadline.After(f.now) {
			f.now = timer.deadline
		}
		timer.fired = true
		fn := timer.f
		f.deliverTicksLocked()
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}

	f.now = target
	f.deliverTicksLocked()
	f.mu.Unlock()
}

func (f *Fake) nextDueTimerLocked(limit time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.fired && !t.stopped && !t.deadline.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}

func (f *Fake) deliverTicksLocked() {
	for _, t := range f.tickers {
		for !t.stopped && !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
}

// AfterFunc schedules f to run when the fake clock reaches now+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), f: fn}
	f.timers = append(f.timers, t)
	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}}
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return &Ticker{C: t.ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.stopped = true
	}}
}

// Sleep returns immediately; fake time does not pass on its own.
func (f *Fake) Sleep(time.Duration) {}
