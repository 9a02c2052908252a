// Package agent is the telemetry loop: link check, sample, upload, retry policy.
//
// Policy:
// - nothing is sampled or uploaded while link is not Up
// - success: failures=0, next attempt one full interval later
// - failure: failures++, next attempt half interval later
// - failures above threshold: force link reset, failures=0, next attempt half interval later
// Loop never gives up, there is no terminal failure state.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/internal/feedback"
	"github.com/temoto/guardian/internal/link"
	"github.com/temoto/guardian/internal/sample"
	"github.com/temoto/guardian/internal/sensor"
	"github.com/temoto/guardian/internal/upload"
	"github.com/temoto/guardian/log2"
)

type State uint8

const (
	StateIdle State = iota
	StateSampling
	StateUploading
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateUploading:
		return "uploading"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

const (
	DefaultInterval            = 60 * time.Second
	DefaultTickInterval        = time.Second
	DefaultEscalationThreshold = 5
)

// Link is satisfied by *link.Manager.
type Link interface {
	EnsureLink(ctx context.Context) bool
	ForceReset()
	Observe() link.State
}

type Deps struct {
	Clock    clock.Clock
	Link     Link
	Sources  []sensor.Source
	Uploader upload.Uploader
	Feedback feedback.Signaler
	Metrics  *Metrics // optional
}

type Options struct {
	DeviceId     string
	Interval     time.Duration
	TickInterval time.Duration
	// Reset link when consecutive failures exceed this.
	EscalationThreshold int
	// OnTick is called after every tick, e.g. systemd watchdog.
	OnTick func()
}

type Scheduler struct {
	log *log2.Log
	Deps
	opt Options

	state       State
	failures    int
	lastRun     time.Duration // uptime of last success
	succeeded   bool
	nextDue     time.Duration // zero: first attempt as soon as link is up
	attempts    uint64
	escalations uint64
}

func New(log *log2.Log, d Deps, opt Options) *Scheduler {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.TickInterval <= 0 {
		opt.TickInterval = DefaultTickInterval
	}
	if opt.EscalationThreshold <= 0 {
		opt.EscalationThreshold = DefaultEscalationThreshold
	}
	if d.Feedback == nil {
		d.Feedback = feedback.Noop{}
	}
	return &Scheduler{log: log, Deps: d, opt: opt}
}

func (self *Scheduler) State() State           { return self.state }
func (self *Scheduler) Failures() int          { return self.failures }
func (self *Scheduler) NextDue() time.Duration { return self.nextDue }
func (self *Scheduler) Attempts() uint64       { return self.attempts }
func (self *Scheduler) Escalations() uint64    { return self.escalations }

// LastRun is uptime of last successful upload, false before first success.
func (self *Scheduler) LastRun() (time.Duration, bool) { return self.lastRun, self.succeeded }

// Run ticks until alive is stopped or ctx is done.
func (self *Scheduler) Run(ctx context.Context, a *alive.Alive) error {
	if !a.Add(1) {
		return errors.Errorf("agent run: alive is stopping")
	}
	defer a.Done()

	self.Feedback.Signal(feedback.ClassSetup)
	self.log.Infof("agent device=%s interval=%v tick=%v", self.opt.DeviceId, self.opt.Interval, self.opt.TickInterval)
	for a.IsRunning() {
		if err := ctx.Err(); err != nil {
			return err
		}
		self.Tick(ctx)
		if self.opt.OnTick != nil {
			self.opt.OnTick()
		}
		self.Clock.Sleep(self.opt.TickInterval)
	}
	return nil
}

// Tick is one pass of the loop. It blocks while link is connecting or upload is in flight.
func (self *Scheduler) Tick(ctx context.Context) {
	if self.Link.Observe() != link.StateUp {
		if !self.Link.EnsureLink(ctx) {
			self.state = StateIdle
			return
		}
	}

	now := self.Clock.Uptime()
	if now < self.nextDue {
		return
	}

	self.state = StateSampling
	snap := sample.Build(self.log, self.opt.DeviceId, self.Sources, now, sample.Options{
		OnReadError: func(name string, _ error) { self.Metrics.IncReadError(name) },
	})
	self.state = StateUploading
	self.attempts++
	self.handle(now, self.upload(ctx, snap))
}

func (self *Scheduler) upload(ctx context.Context, snap sample.Snapshot) upload.Outcome {
	payload, err := snap.MarshalJSON()
	if err != nil {
		return upload.OutcomeTransportError(errors.Annotate(err, "snapshot"))
	}
	start := self.Clock.Uptime()
	o := self.Uploader.Upload(ctx, payload)
	self.Metrics.ObserveUpload(o, self.Clock.Uptime()-start)
	return o
}

func (self *Scheduler) handle(now time.Duration, o upload.Outcome) {
	defer func() { self.Metrics.SetFailures(self.failures) }()

	if o.Success() {
		self.log.Infof("upload ok %s", o)
		self.failures = 0
		self.lastRun = now
		self.succeeded = true
		self.nextDue = now + self.opt.Interval
		self.state = StateIdle
		self.Feedback.Signal(feedback.ClassSuccess)
		return
	}

	self.failures++
	self.log.Errorf("upload failed %s failures=%d", o, self.failures)
	self.Feedback.Signal(feedback.ClassFailure)
	if self.failures > self.opt.EscalationThreshold {
		self.log.Errorf("upload failures=%d above threshold=%d, resetting link", self.failures, self.opt.EscalationThreshold)
		self.Link.ForceReset()
		self.failures = 0
		self.escalations++
		self.Metrics.IncEscalations()
	}
	self.nextDue = now + self.opt.Interval/2
	self.state = StateBackoff
}
