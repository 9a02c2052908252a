package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/internal/feedback"
	"github.com/temoto/guardian/internal/link"
	"github.com/temoto/guardian/internal/sensor"
	"github.com/temoto/guardian/internal/upload"
	"github.com/temoto/guardian/log2"
)

const testInterval = 60 * time.Second

type fakeLink struct {
	state   link.State
	connect bool
	ensures int
	resets  int
	history []string
}

func (self *fakeLink) EnsureLink(context.Context) bool {
	if self.state == link.StateUp {
		return true
	}
	self.ensures++
	self.history = append(self.history, "ensure")
	if self.connect {
		self.state = link.StateUp
		return true
	}
	self.state = link.StateDown
	return false
}
func (self *fakeLink) ForceReset() {
	self.resets++
	self.history = append(self.history, "reset")
	self.state = link.StateDown
}
func (self *fakeLink) Observe() link.State { return self.state }

type fakeUploader struct {
	clk      clock.Clock
	script   []upload.Outcome
	calls    []time.Duration
	payloads [][]byte
}

func (self *fakeUploader) Upload(ctx context.Context, payload []byte) upload.Outcome {
	self.calls = append(self.calls, self.clk.Uptime())
	self.payloads = append(self.payloads, payload)
	if len(self.script) == 0 {
		return upload.OutcomeDelivered(201)
	}
	o := self.script[0]
	self.script = self.script[1:]
	return o
}

type recordSignal struct{ classes []feedback.Class }

func (self *recordSignal) Signal(c feedback.Class) { self.classes = append(self.classes, c) }
func (self *recordSignal) Close() error            { return nil }

type tenv struct {
	t     testing.TB
	clk   *clock.Fake
	link  *fakeLink
	up    *fakeUploader
	fb    *recordSignal
	m     *Metrics
	reg   *prometheus.Registry
	sched *Scheduler
}

func newEnv(t testing.TB, script ...upload.Outcome) *tenv {
	clk := clock.NewFake(0)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	env := &tenv{
		t:    t,
		clk:  clk,
		link: &fakeLink{connect: true},
		up:   &fakeUploader{clk: clk, script: script},
		fb:   &recordSignal{},
		m:    m,
		reg:  reg,
	}
	env.sched = New(log2.NewTest(t, log2.LDebug), Deps{
		Clock: clk,
		Link:  env.link,
		Sources: []sensor.Source{
			sensor.Static{N: "temp1", V: 22.5},
			sensor.Static{N: "smoke1", V: 120},
		},
		Uploader: env.up,
		Feedback: env.fb,
		Metrics:  m,
	}, Options{DeviceId: "home_guardian_01", Interval: testInterval})
	return env
}

// tickUntil ticks once per second until attempts reached or max ticks.
func (self *tenv) tickUntil(attempts int) {
	for i := 0; i < 100000 && len(self.up.calls) < attempts; i++ {
		self.sched.Tick(context.Background())
		self.clk.Advance(time.Second)
	}
	require.Len(self.t, self.up.calls, attempts)
}

func failures(n int) []upload.Outcome {
	out := make([]upload.Outcome, n)
	for i := range out {
		out[i] = upload.OutcomeTransportError(fmt.Errorf("connection refused"))
	}
	return out
}

func TestFailuresBelowThreshold(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 5; n++ {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, failures(n)...)
			env.tickUntil(n)
			assert.Equal(t, n, env.sched.Failures())
			assert.Equal(t, 0, env.link.resets)
			assert.Equal(t, StateBackoff, env.sched.State())
			assert.Equal(t, float64(n), testutil.ToFloat64(env.m.Failures))
			assert.Equal(t, float64(n), testutil.ToFloat64(env.m.Uploads.WithLabelValues("transport_error")))
		})
	}
}

func TestEscalationAfterSixFailures(t *testing.T) {
	t.Parallel()

	env := newEnv(t, failures(7)...)
	env.tickUntil(5)
	assert.Equal(t, 5, env.sched.Failures())
	assert.Equal(t, 0, env.link.resets)

	env.tickUntil(6)
	assert.Equal(t, 1, env.link.resets, "exactly one reset after 6th failure")
	assert.Equal(t, 0, env.sched.Failures())
	assert.Equal(t, uint64(1), env.sched.Escalations())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.m.Escalations))
	assert.Equal(t, float64(0), testutil.ToFloat64(env.m.Failures))

	// counting starts over after escalation
	env.tickUntil(7)
	assert.Equal(t, 1, env.link.resets)
	assert.Equal(t, 1, env.sched.Failures())
}

func TestSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	for prior := 0; prior <= 5; prior++ {
		env := newEnv(t, append(failures(prior), upload.OutcomeDelivered(201))...)
		env.tickUntil(prior + 1)
		assert.Equal(t, 0, env.sched.Failures(), "prior=%d", prior)
		assert.Equal(t, StateIdle, env.sched.State())
		lastRun, ok := env.sched.LastRun()
		assert.True(t, ok)
		assert.Equal(t, env.up.calls[prior], lastRun)
		assert.Equal(t, feedback.ClassSuccess, env.fb.classes[len(env.fb.classes)-1])
	}
}

func TestLinkDownNoUpload(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.link.connect = false
	for i := 0; i < 300; i++ {
		env.sched.Tick(context.Background())
		env.clk.Advance(time.Second)
	}
	assert.Len(t, env.up.calls, 0)
	assert.Equal(t, 300, env.link.ensures, "reconnect attempted every tick")
	assert.Equal(t, StateIdle, env.sched.State())
	assert.Empty(t, env.fb.classes)

	env.link.connect = true
	env.sched.Tick(context.Background())
	assert.Len(t, env.up.calls, 1, "schedule long overdue, attempt right after link up")
}

func TestSpacing(t *testing.T) {
	t.Parallel()

	env := newEnv(t,
		upload.OutcomeDelivered(201),
		upload.OutcomeRejected(500),
		upload.OutcomeDelivered(200),
		upload.OutcomeDelivered(201),
	)
	env.tickUntil(4)
	c := env.up.calls
	assert.Equal(t, testInterval, c[1]-c[0], "after success: full interval")
	assert.Equal(t, testInterval/2, c[2]-c[1], "after failure: half interval")
	assert.Equal(t, testInterval, c[3]-c[2])
}

func TestScenario60s(t *testing.T) {
	t.Parallel()

	env := newEnv(t, append(append([]upload.Outcome{upload.OutcomeDelivered(201)}, failures(6)...), upload.OutcomeDelivered(201))...)
	// ticks exactly at whole seconds
	for ms := 0; ms <= 240000; ms += 1000 {
		env.clk.Set(time.Duration(ms) * time.Millisecond)
		env.sched.Tick(context.Background())

		switch ms {
		case 0:
			assert.Equal(t, 0, env.sched.Failures())
		case 60000:
			assert.Equal(t, 1, env.sched.Failures())
			assert.Equal(t, 90*time.Second, env.sched.NextDue())
		case 90000:
			assert.Equal(t, 2, env.sched.Failures())
			assert.Equal(t, 120*time.Second, env.sched.NextDue())
		case 180000:
			assert.Equal(t, 5, env.sched.Failures())
			assert.Equal(t, 0, env.link.resets)
		case 210000:
			assert.Equal(t, 0, env.sched.Failures())
			assert.Equal(t, 1, env.link.resets)
			assert.Equal(t, link.StateDown, env.link.state)
		case 211000:
			assert.Equal(t, link.StateUp, env.link.state, "reconnect on next tick")
			assert.Equal(t, []string{"ensure", "reset", "ensure"}, env.link.history)
		}
	}

	expect := []time.Duration{0, 60 * time.Second, 90 * time.Second, 120 * time.Second, 150 * time.Second, 180 * time.Second, 210 * time.Second, 240 * time.Second}
	assert.Equal(t, expect, env.up.calls)
	assert.Equal(t, 0, env.sched.Failures())
	assert.Equal(t, []feedback.Class{
		feedback.ClassSuccess,
		feedback.ClassFailure, feedback.ClassFailure, feedback.ClassFailure,
		feedback.ClassFailure, feedback.ClassFailure, feedback.ClassFailure,
		feedback.ClassSuccess,
	}, env.fb.classes)
}

func TestEscalationWithLinkManager(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(0)
	var states []link.State
	m := link.NewManager(log2.NewTest(t, log2.LDebug), link.Always{}, clk, link.Options{
		PollInterval: 100 * time.Millisecond,
		ResetSettle:  time.Second,
		OnState:      func(s link.State) { states = append(states, s) },
	})
	up := &fakeUploader{clk: clk, script: failures(6)}
	s := New(log2.NewTest(t, log2.LDebug), Deps{Clock: clk, Link: m, Uploader: up}, Options{DeviceId: "d", Interval: 10 * time.Second})

	for i := 0; i < 1000 && len(up.calls) < 6; i++ {
		s.Tick(context.Background())
		clk.Advance(time.Second)
	}
	require.Len(t, up.calls, 6)
	assert.Equal(t, link.StateDown, m.State())
	assert.Equal(t, []link.State{link.StateConnecting, link.StateUp, link.StateDown}, states)

	s.Tick(context.Background())
	assert.Equal(t, link.StateUp, m.State())
	assert.Equal(t, []link.State{link.StateConnecting, link.StateUp, link.StateDown, link.StateConnecting, link.StateUp}, states)
	for i := 1; i < len(up.calls); i++ {
		assert.GreaterOrEqual(t, int64(up.calls[i]-up.calls[i-1]), int64(5*time.Second))
	}
}

func TestRejectedBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		outcome upload.Outcome
		success bool
	}{
		{upload.OutcomeRejected(404), false},
		{upload.OutcomeRejected(500), false},
		{upload.OutcomeRejected(202), false},
		{upload.OutcomeRejected(200), true},
		{upload.OutcomeRejected(201), true},
		{upload.OutcomeDelivered(201), true},
	}
	for _, c := range cases {
		env := newEnv(t, c.outcome)
		env.tickUntil(1)
		if c.success {
			assert.Equal(t, 0, env.sched.Failures(), c.outcome.String())
			assert.Equal(t, testInterval, env.sched.NextDue())
		} else {
			assert.Equal(t, 1, env.sched.Failures(), c.outcome.String())
			assert.Equal(t, testInterval/2, env.sched.NextDue())
		}
	}
}

func TestPartialData(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.sched.Sources = []sensor.Source{
		sensor.Static{N: "temp1", V: 21.5},
		sensor.Func{N: "humidity1", F: func() (float64, error) { return 0, fmt.Errorf("dht checksum") }},
		sensor.Static{N: "co1", V: 280},
	}
	env.tickUntil(1)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(env.up.payloads[0], &body))
	assert.Equal(t, "home_guardian_01", body["device_id"])
	assert.Equal(t, 21.5, body["temp1"])
	assert.Equal(t, 0.0, body["humidity1"])
	assert.Equal(t, 280.0, body["co1"])
	assert.Equal(t, 0.0, body["timestamp"])
	assert.Equal(t, float64(1), testutil.ToFloat64(env.m.ReadErrors.WithLabelValues("humidity1")))
}

func TestFreshSnapshotPerAttempt(t *testing.T) {
	t.Parallel()

	env := newEnv(t, failures(2)...)
	n := 0.0
	env.sched.Sources = []sensor.Source{sensor.Func{N: "temp1", F: func() (float64, error) { n++; return n, nil }}}
	env.tickUntil(3)
	for i, p := range env.up.payloads {
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(p, &body))
		assert.Equal(t, float64(i+1), body["temp1"])
		assert.Equal(t, float64(env.up.calls[i]/time.Millisecond), body["timestamp"])
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	a := alive.NewAlive()
	ticks := 0
	env.sched.opt.OnTick = func() {
		ticks++
		if ticks == 5 {
			a.Stop()
		}
	}
	require.NoError(t, env.sched.Run(context.Background(), a))
	a.Wait()
	assert.Equal(t, 5, ticks)
	assert.Equal(t, feedback.ClassSetup, env.fb.classes[0])
	assert.Equal(t, []feedback.Class{feedback.ClassSetup, feedback.ClassSuccess}, env.fb.classes)
	assert.Equal(t, 5*time.Second, env.clk.Uptime())

	// stopped alive refuses to run
	assert.Error(t, env.sched.Run(context.Background(), a))
}

func TestRunContextDone(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.sched.opt.OnTick = cancel
	err := env.sched.Run(ctx, alive.NewAlive())
	assert.Equal(t, context.Canceled, err)
	assert.Len(t, env.up.calls, 1)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "sampling", StateSampling.String())
	assert.Equal(t, "uploading", StateUploading.String())
	assert.Equal(t, "backoff", StateBackoff.String())
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveUpload(upload.OutcomeDelivered(200), time.Second)
	m.SetFailures(3)
	m.IncEscalations()
	m.SetLinkState(link.StateUp)
	m.IncReadError("temp1")
	m.IncLogErrors(nil)

	_, err := NewMetrics(prometheus.NewRegistry())
	assert.NoError(t, err)
}
