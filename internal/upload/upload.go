// Package upload transmits one serialized snapshot per call.
//
// Uploader contract:
// - one attempt per Upload call, no retries inside; retry policy belongs to caller
// - connection lifetime is bounded by one call, nothing is kept between attempts
// - transmit timeout is enforced here, caller only sees the outcome
// - never panics on network conditions, every problem is an Outcome
package upload

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/guardian/log2"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	Delivered
	Rejected
	TransportError
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TransportError:
		return "transport_error"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type Outcome struct {
	Kind Kind
	Code int // transport status, HTTP code for http transport
	Err  error
}

func (o Outcome) String() string {
	switch o.Kind {
	case Delivered:
		return fmt.Sprintf("delivered code=%d", o.Code)
	case Rejected:
		return fmt.Sprintf("rejected code=%d", o.Code)
	case TransportError:
		return fmt.Sprintf("transport_error err=%v", o.Err)
	}
	return o.Kind.String()
}

// Success reports application level acceptance.
// Rejected carrying created/ok status is accepted too, some transports report every status as Rejected.
func (o Outcome) Success() bool {
	switch o.Kind {
	case Delivered:
		return true
	case Rejected:
		return IsSuccessCode(o.Code)
	}
	return false
}

// IsSuccessCode is exactly {200, 201}. 202/204 are not acknowledgements of a stored reading.
func IsSuccessCode(code int) bool { return code == 200 || code == 201 }

func OutcomeDelivered(code int) Outcome       { return Outcome{Kind: Delivered, Code: code} }
func OutcomeRejected(code int) Outcome        { return Outcome{Kind: Rejected, Code: code} }
func OutcomeTransportError(err error) Outcome { return Outcome{Kind: TransportError, Err: err} }

type Uploader interface {
	Upload(ctx context.Context, payload []byte) Outcome
}

type Config struct {
	Transport    string `hcl:"transport"` // http|mqtt
	Url          string `hcl:"url"`
	TimeoutSec   int    `hcl:"timeout_sec"`
	MqttBroker   string `hcl:"mqtt_broker"`
	MqttTopic    string `hcl:"mqtt_topic"`
	MqttPassword string `hcl:"mqtt_password"` // secret
}

// Endpoint is remote address of selected transport.
func (c *Config) Endpoint() string {
	if c.Transport == "mqtt" {
		return c.MqttBroker
	}
	return c.Url
}

// New picks transport by config. deviceId names MQTT client and default topic.
func New(log *log2.Log, c Config, deviceId string) (Uploader, error) {
	switch c.Transport {
	case "", "http":
		if c.Url == "" {
			return nil, errors.NotValidf("server.url empty")
		}
		return NewHTTP(log, c.Url, timeoutFromConfig(c)), nil
	case "mqtt":
		if c.MqttBroker == "" {
			return nil, errors.NotValidf("server.mqtt_broker empty")
		}
		return NewMqtt(log, c, deviceId), nil
	}
	return nil, errors.NotValidf("server.transport=%s", c.Transport)
}
