// Package clock abstracts wall time and timers so that components scheduling
// keep-alives, reconnects and delayed evictions can be driven deterministically.
package clock

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer had already
	// fired (one-shot) or been stopped.
	Stop() bool
}

// Clock is the time source used by the tracking components.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once, on its own goroutine, after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every calls f every d until the returned Timer is stopped.
	Every(d time.Duration, f func()) Timer
}

// New returns the wall clock.
func New() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Every(d time.Duration, f func()) Timer {
	t := &interval{
		ticker: time.NewTicker(d),
		stopCh: make(chan struct{}),
	}
	go t.loop(f)
	return t
}

type interval struct {
	ticker   *time.Ticker
	stopOnce sync.Once
	stopCh   chan struct{}
}

func (t *interval) loop(f func()) {
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.ticker.C:
			f()
		}
	}
}

func (t *interval) Stop() bool {
	stopped := false
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stopCh)
		stopped = true
	})
	return stopped
}
