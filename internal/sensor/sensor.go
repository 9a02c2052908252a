// Package sensor reads scalar environment values.
// Drivers:
// - iio: Linux industrial IO sysfs attribute (dht11/dht22 kernel driver, mcp3xxx ADC for MQ gas sensors)
// - bme280: Bosch BMx280 over I2C via periph
// - static: constant value, for bench setups without hardware
package sensor

import (
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/log2"
)

// Source is one named metric. Read may fail per call, caller decides what to do with it.
type Source interface {
	Name() string
	Read() (float64, error)
}

type Config struct {
	Name    string  `hcl:"name,key"`
	Driver  string  `hcl:"driver"`
	Path    string  `hcl:"path"`    // iio
	Scale   float64 `hcl:"scale"`   // iio, multiplier applied to raw value, 0 means 1
	Offset  float64 `hcl:"offset"`  // iio, added after scale
	Bus     string  `hcl:"bus"`     // bme280, periph bus name e.g. /dev/i2c-1 or "1"
	Address int     `hcl:"address"` // bme280, 0x76 or 0x77
	Field   string  `hcl:"field"`   // bme280: temperature|humidity|pressure
	Value   float64 `hcl:"value"`   // static
}

// Names that collide with snapshot envelope keys.
var reservedNames = map[string]struct{}{
	"device_id": {},
	"timestamp": {},
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("sensor name empty")
	}
	if _, ok := reservedNames[strings.ToLower(c.Name)]; ok {
		return errors.NotValidf("sensor name=%s reserved", c.Name)
	}
	switch c.Driver {
	case "iio":
		if c.Path == "" {
			return errors.NotValidf("sensor=%s iio path empty", c.Name)
		}
	case "bme280":
		if c.Bus == "" {
			return errors.NotValidf("sensor=%s bme280 bus empty", c.Name)
		}
		if _, err := bmeFieldFromString(c.Field); err != nil {
			return errors.Annotatef(err, "sensor=%s", c.Name)
		}
	case "static":
	default:
		return errors.NotValidf("sensor=%s driver=%s", c.Name, c.Driver)
	}
	return nil
}

// Set owns opened sources and hardware handles behind them.
type Set struct {
	Sources []Source
	closers []io.Closer
}

// Open validates all configs and opens every source, in config order.
// Names must be unique.
func Open(log *log2.Log, configs []Config) (*Set, error) {
	set := &Set{Sources: make([]Source, 0, len(configs))}
	errs := make([]error, 0)
	seen := make(map[string]struct{}, len(configs))
	var bme *bmeRegistry

	for i := range configs {
		c := &configs[i]
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := seen[c.Name]; ok {
			errs = append(errs, errors.NotValidf("sensor name=%s duplicate", c.Name))
			continue
		}
		seen[c.Name] = struct{}{}

		switch c.Driver {
		case "iio":
			set.Sources = append(set.Sources, NewIIO(c.Name, c.Path, c.Scale, c.Offset))
		case "bme280":
			if bme == nil {
				bme = newBmeRegistry(log)
				set.closers = append(set.closers, bme)
			}
			s, err := bme.source(c)
			if err != nil {
				errs = append(errs, errors.Annotatef(err, "sensor=%s", c.Name))
				continue
			}
			set.Sources = append(set.Sources, s)
		case "static":
			set.Sources = append(set.Sources, Static{N: c.Name, V: c.Value})
		}
		log.Debugf("sensor=%s driver=%s opened", c.Name, c.Driver)
	}

	if err := helpers.FoldErrors(errs); err != nil {
		_ = set.Close()
		return nil, err
	}
	return set, nil
}

func (self *Set) Close() error {
	if self == nil {
		return nil
	}
	errs := make([]error, 0, len(self.closers))
	for _, c := range self.closers {
		errs = append(errs, c.Close())
	}
	self.closers = nil
	return helpers.FoldErrors(errs)
}

type Static struct {
	N string
	V float64
}

func (self Static) Name() string           { return self.N }
func (self Static) Read() (float64, error) { return self.V, nil }

// Func adapts a function, mostly for tests.
type Func struct {
	N string
	F func() (float64, error)
}

func (self Func) Name() string           { return self.N }
func (self Func) Read() (float64, error) { return self.F() }
