package collector

import (
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reading is one received snapshot. Received is collector wall clock,
// Uptime is device clock as sent in "timestamp".
type Reading struct {
	DeviceId string
	Received time.Time
	Uptime   int64 // ms
	Metrics  map[string]float64
}

const (
	keyDeviceId = "device_id"
	keyUptime   = "timestamp"
)

// ParseReading accepts flat device JSON: {"device_id":"x", <metric>:<number>..., "timestamp":<ms>}.
// Non-numeric metric fields are ignored.
func ParseReading(b []byte, received time.Time) (*Reading, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.NewNotValid(err, "reading json")
	}
	if raw == nil {
		return nil, errors.NotValidf("reading json object")
	}
	r := &Reading{Received: received, Metrics: make(map[string]float64, len(raw))}
	for k, v := range raw {
		switch k {
		case keyDeviceId:
			s, ok := v.(string)
			if !ok {
				return nil, errors.NotValidf("device_id=%v", v)
			}
			r.DeviceId = s
		case keyUptime:
			if f, ok := v.(float64); ok {
				r.Uptime = int64(f)
			}
		default:
			if f, ok := v.(float64); ok {
				r.Metrics[k] = f
			}
		}
	}
	if strings.TrimSpace(r.DeviceId) == "" {
		return nil, errors.NotValidf("device_id empty")
	}
	return r, nil
}

// Names returns metric names sorted.
func (self *Reading) Names() []string {
	names := make([]string, 0, len(self.Metrics))
	for k := range self.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON is flat like device payload, with "timestamp" replaced by receive time
// and device clock moved to "uptime_ms".
func (self Reading) MarshalJSON() ([]byte, error) {
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField(keyDeviceId)
	stream.WriteString(self.DeviceId)
	for _, name := range self.Names() {
		stream.WriteMore()
		stream.WriteObjectField(name)
		stream.WriteFloat64(self.Metrics[name])
	}
	stream.WriteMore()
	stream.WriteObjectField("uptime_ms")
	stream.WriteInt64(self.Uptime)
	stream.WriteMore()
	stream.WriteObjectField(keyUptime)
	stream.WriteString(self.Received.UTC().Format(time.RFC3339Nano))
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return nil, errors.Annotate(stream.Error, "reading marshal")
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

// stored form, independent of API shape
type record struct {
	DeviceId string             `json:"d"`
	Received int64              `json:"r"`
	Uptime   int64              `json:"u"`
	Metrics  map[string]float64 `json:"m"`
}

func (self *Reading) encode() ([]byte, error) {
	return json.Marshal(record{
		DeviceId: self.DeviceId,
		Received: self.Received.UnixNano(),
		Uptime:   self.Uptime,
		Metrics:  self.Metrics,
	})
}

func decodeReading(b []byte) (*Reading, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Annotate(err, "reading decode")
	}
	return &Reading{
		DeviceId: rec.DeviceId,
		Received: time.Unix(0, rec.Received),
		Uptime:   rec.Uptime,
		Metrics:  rec.Metrics,
	}, nil
}
