package sensor

import (
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// IIO reads one sysfs attribute like
// /sys/bus/iio/devices/iio:device0/in_temp_input (dht22, millidegrees)
// or in_voltage3_raw (ADC channel behind a gas sensor).
// Kernel drivers return EIO or ETIMEDOUT when the sensor did not answer, that is reported as error.
type IIO struct {
	name   string
	path   string
	scale  float64
	offset float64
}

func NewIIO(name, path string, scale, offset float64) *IIO {
	if scale == 0 {
		scale = 1
	}
	return &IIO{name: name, path: path, scale: scale, offset: offset}
}

func (self *IIO) Name() string { return self.name }

func (self *IIO) Read() (float64, error) {
	b, err := os.ReadFile(self.path)
	if err != nil {
		return 0, errors.Annotatef(err, "iio read path=%s", self.path)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, errors.NotFoundf("iio value path=%s", self.path)
	}
	raw, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "iio parse path=%s", self.path)
	}
	return raw*self.scale + self.offset, nil
}
