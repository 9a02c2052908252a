package upload

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/log2"
)

func TestOutcomeSuccess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		o      Outcome
		expect bool
	}{
		{OutcomeDelivered(200), true},
		{OutcomeDelivered(0), true},
		{OutcomeRejected(200), true},
		{OutcomeRejected(201), true},
		{OutcomeRejected(202), false},
		{OutcomeRejected(204), false},
		{OutcomeRejected(404), false},
		{OutcomeRejected(500), false},
		{OutcomeTransportError(fmt.Errorf("no route to host")), false},
		{Outcome{}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, c.o.Success(), c.o.String())
	}
}

const testPayload = `{"device_id":"d","temp1":21,"timestamp":1000}`

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mock    *helpers.MockHTTP
		expect  Kind
		code    int
		success bool
	}{
		{"ok", &helpers.MockHTTP{Status: 200}, Delivered, 200, true},
		{"created", &helpers.MockHTTP{Status: 201, Body: []byte(`{"message":"Reading saved successfully","alerts":[]}`)}, Delivered, 201, true},
		{"not-found", &helpers.MockHTTP{Status: 404}, Rejected, 404, false},
		{"server-error", &helpers.MockHTTP{Status: 500, Body: []byte(`{"error":"Failed to save reading"}`)}, Rejected, 500, false},
		{"network", &helpers.MockHTTP{Err: fmt.Errorf("connection refused")}, TransportError, 0, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			u := NewHTTP(log, "http://collector.local:3000/api/readings", time.Second)
			u.SetTransport(c.mock)

			o := u.Upload(context.Background(), []byte(testPayload))
			assert.Equal(t, c.expect, o.Kind, o.String())
			assert.Equal(t, c.code, o.Code)
			assert.Equal(t, c.success, o.Success())
			if c.expect == TransportError {
				assert.Error(t, o.Err)
			}

			calls := c.mock.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, http.MethodPost, calls[0].Method)
			assert.Equal(t, "http://collector.local:3000/api/readings", calls[0].Url)
			assert.Equal(t, "application/json", calls[0].ContentType)
			assert.True(t, calls[0].Close)
			assert.Equal(t, testPayload, string(calls[0].Body))
		})
	}
}

func TestHTTPTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	defer close(release)

	u := NewHTTP(log2.NewTest(t, log2.LDebug), srv.URL, 50*time.Millisecond)
	o := u.Upload(context.Background(), []byte(testPayload))
	assert.Equal(t, TransportError, o.Kind)
	assert.False(t, o.Success())
}

func TestNew(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	u, err := New(log, Config{Url: "http://x/api/readings"}, "d")
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, u)

	u, err = New(log, Config{Transport: "mqtt", MqttBroker: "tcp://broker:1883"}, "home_guardian_01")
	require.NoError(t, err)
	require.IsType(t, &Mqtt{}, u)
	assert.Equal(t, "guardian/home_guardian_01/readings", u.(*Mqtt).Topic())

	_, err = New(log, Config{}, "d")
	assert.True(t, errors.IsNotValid(err))
	_, err = New(log, Config{Transport: "mqtt"}, "d")
	assert.True(t, errors.IsNotValid(err))
	_, err = New(log, Config{Transport: "coap", Url: "x"}, "d")
	assert.True(t, errors.IsNotValid(err))
}

type fakeToken struct {
	done bool
	err  error
}

func (t fakeToken) Wait() bool                     { return t.done }
func (t fakeToken) WaitTimeout(time.Duration) bool { return t.done }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.done {
		close(ch)
	}
	return ch
}

type fakeSession struct {
	mu           sync.Mutex
	connect      fakeToken
	publish      fakeToken
	published    [][]byte
	topics       []string
	disconnected int
}

func (s *fakeSession) Connect() mqtt.Token { return s.connect }
func (s *fakeSession) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.published = append(s.published, payload.([]byte))
	return s.publish
}
func (s *fakeSession) Disconnect(quiesce uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected++
}
func (s *fakeSession) disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func TestMqtt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		session      *fakeSession
		expect       Kind
		published    int
		disconnected int
	}{
		{"delivered", &fakeSession{connect: fakeToken{done: true}, publish: fakeToken{done: true}}, Delivered, 1, 1},
		// pending connect is closed in background
		{"connect-timeout", &fakeSession{connect: fakeToken{done: false}}, TransportError, 0, 1},
		{"connect-refused", &fakeSession{connect: fakeToken{done: true, err: fmt.Errorf("not authorized")}}, TransportError, 0, 0},
		{"publish-timeout", &fakeSession{connect: fakeToken{done: true}, publish: fakeToken{done: false}}, TransportError, 1, 1},
		{"publish-error", &fakeSession{connect: fakeToken{done: true}, publish: fakeToken{done: true, err: fmt.Errorf("broken pipe")}}, TransportError, 1, 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			u := NewMqtt(log2.NewTest(t, log2.LDebug), Config{MqttBroker: "tcp://broker:1883", MqttTopic: "home/readings"}, "d")
			sessions := 0
			u.newSession = func(*mqtt.ClientOptions) mqttSession {
				sessions++
				return c.session
			}

			o := u.Upload(context.Background(), []byte(testPayload))
			assert.Equal(t, c.expect, o.Kind, o.String())
			assert.Equal(t, 1, sessions, "fresh session per attempt")
			assert.Len(t, c.session.published, c.published)
			assert.Eventually(t, func() bool { return c.session.disconnects() == c.disconnected }, time.Second, 10*time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, c.disconnected, c.session.disconnects(), "exactly once")
			if c.published > 0 {
				assert.Equal(t, "home/readings", c.session.topics[0])
				assert.Equal(t, testPayload, string(c.session.published[0]))
			}
		})
	}
}
