// Package clock provides device uptime and sleep behind an interface,
// so state machine tests can simulate hours of ticks without waiting.
package clock

import (
	"sync"
	"time"

	"github.com/temoto/atomic_clock"
)

// Clock is monotonic device time since process start.
type Clock interface {
	Uptime() time.Duration
	Sleep(d time.Duration)
}

type system struct {
	boot *atomic_clock.Clock
}

func NewReal() Clock { return &system{boot: atomic_clock.Now()} }

func (self *system) Uptime() time.Duration { return atomic_clock.Since(self.boot) }
func (self *system) Sleep(d time.Duration) { time.Sleep(d) }

// Fake advances only on Sleep or Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Duration
	slept  time.Duration
	sleeps int
}

func NewFake(start time.Duration) *Fake { return &Fake{now: start} }

func (self *Fake) Uptime() time.Duration {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.now
}

func (self *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	self.now += d
	self.slept += d
	self.sleeps++
}

func (self *Fake) Advance(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.now += d
}

func (self *Fake) Set(t time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.now = t
}

// Slept returns total time and number of calls spent in Sleep.
func (self *Fake) Slept() (time.Duration, int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.slept, self.sleeps
}
