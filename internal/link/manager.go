// Package link owns network link state of the device.
//
// Manager is the only writer of State. Transitions:
// Down -> Connecting -> Up   EnsureLink success
// Connecting -> Down         EnsureLink poll cap exhausted
// any -> Down                ForceReset, Observe detected loss
package link

import (
	"context"
	"fmt"
	"time"

	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/log2"
)

type State uint8

const (
	StateDown State = iota
	StateConnecting
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Driver performs actual association with the network.
type Driver interface {
	// Begin starts association and returns without waiting for it.
	Begin(ctx context.Context) error
	// Connected is one status poll. Must return by ctx deadline.
	Connected(ctx context.Context) (bool, error)
	Disconnect() error
}

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollAttempts = 20
	DefaultResetSettle  = time.Second
)

type Options struct {
	PollInterval time.Duration
	PollAttempts int
	ResetSettle  time.Duration
	// Observe polls driver at most once per ObserveInterval, 0 is every call.
	ObserveInterval time.Duration
	// OnState is called after every transition, e.g. to export gauge.
	OnState func(State)
}

type Manager struct {
	log   *log2.Log
	d     Driver
	clk   clock.Clock
	opt   Options
	state State
	// last driver poll that saw link up
	checked time.Duration
}

func NewManager(log *log2.Log, d Driver, clk clock.Clock, opt Options) *Manager {
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.PollAttempts <= 0 {
		opt.PollAttempts = DefaultPollAttempts
	}
	if opt.ResetSettle < 0 {
		opt.ResetSettle = 0
	}
	if opt.ObserveInterval < 0 {
		opt.ObserveInterval = 0
	}
	return &Manager{
		log:   log,
		d:     d,
		clk:   clk,
		opt:   opt,
		state: StateDown,
	}
}

func (self *Manager) State() State { return self.state }
func (self *Manager) IsUp() bool   { return self.state == StateUp }

// EnsureLink returns immediately when Up. Otherwise polls once per PollInterval slot
// of clock time, PollAttempts slots total. Each poll is limited to what is left
// of its slot, so blocking is bounded by PollAttempts*PollInterval. ctx only reaches Begin.
func (self *Manager) EnsureLink(ctx context.Context) bool {
	if self.state == StateUp {
		return true
	}

	self.set(StateConnecting)
	if err := self.d.Begin(ctx); err != nil {
		self.log.Errorf("link begin err=%v", err)
		self.set(StateDown)
		return false
	}
	start := self.clk.Uptime()
	for i := 1; i <= self.opt.PollAttempts; i++ {
		slotEnd := start + time.Duration(i)*self.opt.PollInterval
		left := slotEnd - self.clk.Uptime()
		if left <= 0 {
			// previous poll overran into this slot
			continue
		}
		ok, err := self.poll(left)
		if err != nil {
			self.log.Debugf("link poll attempt=%d err=%v", i, err)
		}
		if ok {
			self.log.Infof("link up after attempts=%d", i)
			self.checked = self.clk.Uptime()
			self.set(StateUp)
			return true
		}
		if i < self.opt.PollAttempts {
			self.clk.Sleep(slotEnd - self.clk.Uptime())
		}
	}
	self.log.Errorf("link connect failed attempts=%d interval=%v", self.opt.PollAttempts, self.opt.PollInterval)
	self.set(StateDown)
	return false
}

func (self *Manager) poll(timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return self.d.Connected(ctx)
}

// ForceReset tears down link regardless of state. Never fails.
func (self *Manager) ForceReset() {
	self.log.Infof("link force reset state=%s", self.state)
	if err := self.d.Disconnect(); err != nil {
		self.log.Errorf("link disconnect err=%v", err)
	}
	self.set(StateDown)
	self.clk.Sleep(self.opt.ResetSettle)
}

// Observe checks that Up link is still there, at most one status poll per ObserveInterval.
func (self *Manager) Observe() State {
	if self.state != StateUp {
		return self.state
	}
	now := self.clk.Uptime()
	if self.opt.ObserveInterval > 0 && now-self.checked < self.opt.ObserveInterval {
		return self.state
	}
	self.checked = now
	ok, err := self.poll(self.opt.PollInterval)
	if err != nil {
		self.log.Debugf("link observe err=%v", err)
	}
	if !ok {
		self.log.Errorf("link lost")
		self.set(StateDown)
	}
	return self.state
}

func (self *Manager) set(s State) {
	if s == self.state {
		return
	}
	self.log.Debugf("link state %s -> %s", self.state, s)
	self.state = s
	if self.opt.OnState != nil {
		self.opt.OnState(s)
	}
}
