package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/guardian/log2"
)

const mqttQos byte = 1

// Subset of mqtt.Client used per attempt.
type mqttSession interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Mqtt opens a fresh session for every attempt: connect, publish QoS1, disconnect.
// Broker keeps no session (clean session), so a failed attempt leaves nothing queued to replay.
type Mqtt struct {
	log     *log2.Log
	topic   string
	timeout time.Duration
	opts    *mqtt.ClientOptions

	newSession func(*mqtt.ClientOptions) mqttSession
}

var mqttLogOnce sync.Once

func NewMqtt(log *log2.Log, c Config, deviceId string) *Mqtt {
	setMqttLog(log)

	topic := c.MqttTopic
	if topic == "" {
		topic = fmt.Sprintf("guardian/%s/readings", deviceId)
	}
	timeout := timeoutFromConfig(c)
	opts := mqtt.NewClientOptions().
		AddBroker(c.MqttBroker).
		SetClientID(deviceId).
		SetUsername(deviceId).
		SetPassword(c.MqttPassword).
		SetCleanSession(true).
		SetAutoReconnect(false).
		// no silent MQTT 3.1 retry after failed CONNACK
		SetProtocolVersion(4).
		SetConnectTimeout(timeout)
	return &Mqtt{
		log:     log,
		topic:   topic,
		timeout: timeout,
		opts:    opts,
		newSession: func(o *mqtt.ClientOptions) mqttSession {
			return mqtt.NewClient(o)
		},
	}
}

func (self *Mqtt) Topic() string { return self.topic }

func (self *Mqtt) Upload(ctx context.Context, payload []byte) Outcome {
	deadline := time.Now().Add(self.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s := self.newSession(self.opts)
	ct := s.Connect()
	if err := waitToken(ct, deadline, "mqtt connect"); err != nil {
		if errors.IsTimeout(err) {
			go self.release(s, ct)
		}
		return OutcomeTransportError(err)
	}
	defer s.Disconnect(250)

	self.log.Debugf("upload mqtt topic=%s payload=%s", self.topic, payload)
	if err := waitToken(s.Publish(self.topic, mqttQos, false, payload), deadline, "mqtt publish"); err != nil {
		return OutcomeTransportError(err)
	}
	// PUBACK received, that is the only acknowledgement MQTT has
	return OutcomeDelivered(0)
}

// release closes session still connecting after attempt gave up.
// paho does not bound CONNACK wait, so the token may never finish on its own.
func (self *Mqtt) release(s mqttSession, connect mqtt.Token) {
	if !connect.WaitTimeout(self.timeout) {
		self.log.Debugf("upload mqtt connect still pending, closing")
	}
	s.Disconnect(0)
}

func waitToken(t mqtt.Token, deadline time.Time, tag string) error {
	left := time.Until(deadline)
	if left <= 0 || !t.WaitTimeout(left) {
		return errors.Timeoutf("%s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, tag)
	}
	return nil
}

// paho loggers are package globals, first call wins.
func setMqttLog(log *log2.Log) {
	mqttLogOnce.Do(func() {
		mlog := mqttLogger{log}
		mqtt.ERROR = mlog
		mqtt.CRITICAL = mlog
		mqtt.WARN = mlog
	})
}

type mqttLogger struct{ log *log2.Log }

func (self mqttLogger) Println(v ...interface{}) { self.log.Error(append([]interface{}{"mqtt: "}, v...)...) }
func (self mqttLogger) Printf(format string, v ...interface{}) {
	self.log.Errorf("mqtt: "+format, v...)
}
