// Package sample assembles one reading snapshot from sensor sources.
//
// Partial data beats no data: a failed or non-finite reading is replaced by
// Sentinel and the rest of the snapshot is built as usual.
package sample

import (
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/temoto/guardian/internal/sensor"
	"github.com/temoto/guardian/log2"
)

// Sentinel substitutes invalid or unavailable readings.
const Sentinel float64 = 0

const (
	KeyDeviceId  = "device_id"
	KeyTimestamp = "timestamp"
)

type Metric struct {
	Name  string
	Value float64
}

// Snapshot is immutable after Build.
// Uptime is device uptime, not wall clock. Collector only relies on relative order.
type Snapshot struct {
	DeviceId string
	Uptime   time.Duration
	Metrics  []Metric
}

type Options struct {
	// OnReadError is called once per substituted metric.
	OnReadError func(name string, err error)
}

func Build(log *log2.Log, deviceId string, sources []sensor.Source, uptime time.Duration, opt Options) Snapshot {
	s := Snapshot{
		DeviceId: deviceId,
		Uptime:   uptime,
		Metrics:  make([]Metric, 0, len(sources)),
	}
	for _, src := range sources {
		name := src.Name()
		v, err := src.Read()
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = errors.NotValidf("reading=%v", v)
		}
		if err != nil {
			log.Errorf("sensor=%s read failed, using sentinel err=%v", name, err)
			if opt.OnReadError != nil {
				opt.OnReadError(name, err)
			}
			v = Sentinel
		} else {
			log.Debugf("sensor=%s value=%v", name, v)
		}
		s.Metrics = append(s.Metrics, Metric{Name: name, Value: v})
	}
	return s
}

func (self *Snapshot) Get(name string) (float64, bool) {
	for _, m := range self.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

// MarshalJSON keeps metric order:
// {"device_id":"...", <metrics in config order>, "timestamp":<uptime ms>}
func (self Snapshot) MarshalJSON() ([]byte, error) {
	cfg := jsoniter.ConfigCompatibleWithStandardLibrary
	stream := cfg.BorrowStream(nil)
	defer cfg.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField(KeyDeviceId)
	stream.WriteString(self.DeviceId)
	for _, m := range self.Metrics {
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			return nil, errors.NotValidf("metric=%s value=%v", m.Name, m.Value)
		}
		stream.WriteMore()
		stream.WriteObjectField(m.Name)
		stream.WriteFloat64(m.Value)
	}
	stream.WriteMore()
	stream.WriteObjectField(KeyTimestamp)
	stream.WriteInt64(int64(self.Uptime / time.Millisecond))
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return nil, errors.Annotate(stream.Error, "snapshot marshal")
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}
