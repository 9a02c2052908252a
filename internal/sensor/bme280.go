package sensor

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/guardian/log2"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"
)

const bmeDefaultAddress = 0x76

type bmeField uint8

const (
	bmeTemperature bmeField = iota + 1
	bmeHumidity
	bmePressure
)

func bmeFieldFromString(s string) (bmeField, error) {
	switch s {
	case "temperature", "temp":
		return bmeTemperature, nil
	case "humidity":
		return bmeHumidity, nil
	case "pressure":
		return bmePressure, nil
	}
	return 0, errors.NotValidf("bme280 field=%s", s)
}

type envSenser interface {
	Sense(e *physic.Env) error
}

// BME280 is one field of one chip. Several sources may share a chip.
type BME280 struct {
	name  string
	field bmeField
	dev   envSenser
}

func NewBME280(name string, field string, dev envSenser) (*BME280, error) {
	f, err := bmeFieldFromString(field)
	if err != nil {
		return nil, err
	}
	return &BME280{name: name, field: f, dev: dev}, nil
}

func (self *BME280) Name() string { return self.name }

func (self *BME280) Read() (float64, error) {
	var e physic.Env
	if err := self.dev.Sense(&e); err != nil {
		return 0, errors.Annotatef(err, "bme280 sense metric=%s", self.name)
	}
	switch self.field {
	case bmeTemperature:
		return float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Kelvin), nil
	case bmeHumidity:
		return float64(e.Humidity) / float64(physic.PercentRH), nil
	case bmePressure:
		// hPa, same unit weather stations report
		return float64(e.Pressure) / float64(100*physic.Pascal), nil
	}
	panic(fmt.Sprintf("code error bme280 field=%d", self.field))
}

// bmeRegistry opens each bus and chip once.
type bmeRegistry struct {
	log   *log2.Log
	once  sync.Once
	err   error
	buses map[string]i2c.BusCloser
	devs  map[string]*bmxx80.Dev
}

func newBmeRegistry(log *log2.Log) *bmeRegistry {
	return &bmeRegistry{
		log:   log,
		buses: make(map[string]i2c.BusCloser),
		devs:  make(map[string]*bmxx80.Dev),
	}
}

func (self *bmeRegistry) source(c *Config) (Source, error) {
	self.once.Do(func() {
		if _, err := host.Init(); err != nil {
			self.err = errors.Annotate(err, "periph host init")
		}
	})
	if self.err != nil {
		return nil, self.err
	}

	addr := uint16(c.Address)
	if addr == 0 {
		addr = bmeDefaultAddress
	}
	key := fmt.Sprintf("%s@%#x", c.Bus, addr)
	dev, ok := self.devs[key]
	if !ok {
		bus, ok := self.buses[c.Bus]
		if !ok {
			var err error
			bus, err = i2creg.Open(c.Bus)
			if err != nil {
				return nil, errors.Annotatef(err, "i2c open bus=%s", c.Bus)
			}
			self.buses[c.Bus] = bus
		}
		var err error
		dev, err = bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
		if err != nil {
			return nil, errors.Annotatef(err, "bme280 init %s", key)
		}
		self.devs[key] = dev
		self.log.Debugf("bme280 %s ready", key)
	}
	return NewBME280(c.Name, c.Field, dev)
}

func (self *bmeRegistry) Close() error {
	var first error
	for key, dev := range self.devs {
		if err := dev.Halt(); err != nil && first == nil {
			first = errors.Annotatef(err, "bme280 halt %s", key)
		}
	}
	for name, bus := range self.buses {
		if err := bus.Close(); err != nil && first == nil {
			first = errors.Annotatef(err, "i2c close bus=%s", name)
		}
	}
	return first
}
