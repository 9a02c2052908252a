package feedback

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/log2"
)

const consumerLabel = "guardian-led"

// LED blinks one GPIO output line.
type LED struct {
	log   *log2.Log
	clk   clock.Clock
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
	on    time.Duration
	off   time.Duration
}

func OpenLED(log *log2.Log, chipPath string, line uint32, clk clock.Clock, pulse time.Duration) (*LED, error) {
	chip, err := gpio.Open(chipPath, consumerLabel)
	if err != nil {
		return nil, errors.Annotatef(err, "feedback chip=%s", chipPath)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumerLabel, line)
	if err != nil {
		_ = chip.Close()
		return nil, errors.Annotatef(err, "feedback chip=%s line=%d", chipPath, line)
	}
	led := NewLED(log, lines, line, clk, pulse, pulse)
	led.chip = chip
	return led, nil
}

// NewLED over already requested output lines.
func NewLED(log *log2.Log, lines gpio.Lineser, line uint32, clk clock.Clock, on, off time.Duration) *LED {
	return &LED{
		log:   log,
		clk:   clk,
		lines: lines,
		set:   lines.SetFunc(line),
		on:    on,
		off:   off,
	}
}

func (self *LED) Signal(c Class) {
	for i := 0; i < c.Pulses(); i++ {
		self.write(1)
		self.clk.Sleep(self.on)
		self.write(0)
		self.clk.Sleep(self.off)
	}
}

func (self *LED) Close() error {
	self.write(0)
	err := self.lines.Close()
	if self.chip != nil {
		if e := self.chip.Close(); err == nil {
			err = e
		}
	}
	return errors.Annotate(err, "feedback close")
}

func (self *LED) write(v byte) {
	self.set(v)
	if err := self.lines.Flush(); err != nil {
		self.log.Errorf("feedback led write=%d err=%v", v, err)
	}
}
