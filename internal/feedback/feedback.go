// Package feedback is a write-only pulse indicator.
// Pulse count tells outcome: 1 success, 2 failure, 3 setup complete.
// Signal blocks for count*(on+off) exactly and never reports errors.
package feedback

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/log2"
)

type Class uint8

const (
	ClassSuccess Class = 1
	ClassFailure Class = 2
	ClassSetup   Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassFailure:
		return "failure"
	case ClassSetup:
		return "setup"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Pulses is pulse count of class.
func (c Class) Pulses() int { return int(c) }

type Signaler interface {
	Signal(Class)
	Close() error
}

const DefaultPulse = 200 * time.Millisecond

type Config struct {
	Driver  string `hcl:"driver"` // gpio|log|none
	Chip    string `hcl:"chip"`
	Line    int    `hcl:"line"`
	PulseMs int    `hcl:"pulse_ms"`
}

func New(log *log2.Log, c Config, clk clock.Clock) (Signaler, error) {
	pulse := helpers.IntMillisecondDefault(c.PulseMs, DefaultPulse)
	switch c.Driver {
	case "", "log":
		return Log{log}, nil
	case "none":
		return Noop{}, nil
	case "gpio":
		if c.Chip == "" {
			return nil, errors.NotValidf("feedback.chip empty")
		}
		if c.Line < 0 {
			return nil, errors.NotValidf("feedback.line=%d", c.Line)
		}
		return OpenLED(log, c.Chip, uint32(c.Line), clk, pulse)
	}
	return nil, errors.NotValidf("feedback.driver=%s", c.Driver)
}

// Log signaler for hosts without indicator.
type Log struct{ L *log2.Log }

func (self Log) Signal(c Class) { self.L.Infof("feedback %s pulses=%d", c, c.Pulses()) }
func (self Log) Close() error   { return nil }

type Noop struct{}

func (Noop) Signal(Class) {}
func (Noop) Close() error { return nil }
