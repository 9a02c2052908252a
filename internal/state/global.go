package state

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/alive/v2"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/internal/agent"
	"github.com/temoto/guardian/internal/clock"
	"github.com/temoto/guardian/internal/feedback"
	"github.com/temoto/guardian/internal/link"
	"github.com/temoto/guardian/internal/sensor"
	"github.com/temoto/guardian/internal/upload"
	"github.com/temoto/guardian/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Clock        clock.Clock
	Config       *Config
	Log          *log2.Log
	Registry     *prometheus.Registry

	closers     []func() error
	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewGlobal(log *log2.Log, buildVersion string) *Global {
	return &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: buildVersion,
		Clock:        clock.NewReal(),
		Log:          log,
		Registry:     prometheus.NewRegistry(),
	}
}

func NewContext(g *Global) context.Context {
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, g.Log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init applies config to shared services. Component construction is left to subcommands.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	if err := g.Registry.Register(collectors.NewGoCollector()); err != nil {
		return errors.Annotate(err, "metrics go collector")
	}
	if err := g.Registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return errors.Annotate(err, "metrics process collector")
	}
	return nil
}

// OnClose registers cleanup run by Close in reverse order.
func (g *Global) OnClose(f func() error) { g.closers = append(g.closers, f) }

func (g *Global) Close() error {
	errs := make([]error, 0, len(g.closers))
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i]())
	}
	g.closers = nil
	return helpers.FoldErrors(errs)
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) OpenSensors() (*sensor.Set, error) {
	set, err := sensor.Open(g.Log, g.Config.Sensors)
	if err != nil {
		return nil, errors.Annotate(err, "sensors")
	}
	g.OnClose(set.Close)
	return set, nil
}

// Agent constructs telemetry loop from config with real hardware.
func (g *Global) Agent(onTick func()) (*agent.Scheduler, error) {
	c := g.Config
	if err := c.ValidateAgent(); err != nil {
		return nil, errors.Annotate(err, "config")
	}

	metrics, err := agent.NewMetrics(g.Registry)
	if err != nil {
		return nil, err
	}
	g.Log.SetErrorFunc(metrics.IncLogErrors)

	sensors, err := g.OpenSensors()
	if err != nil {
		return nil, err
	}
	uploader, err := upload.New(g.Log, c.Server, c.DeviceId)
	if err != nil {
		return nil, errors.Annotate(err, "uploader")
	}
	manager, err := link.New(g.Log, c.Network, c.Server.Endpoint(), g.Clock, metrics.SetLinkState)
	if err != nil {
		return nil, errors.Annotate(err, "network")
	}
	metrics.SetLinkState(manager.State())

	fb, err := feedback.New(g.Log, c.Feedback, g.Clock)
	if err != nil {
		return nil, errors.Annotate(err, "feedback")
	}
	g.OnClose(fb.Close)

	return agent.New(g.Log, agent.Deps{
		Clock:    g.Clock,
		Link:     manager,
		Sources:  sensors.Sources,
		Uploader: uploader,
		Feedback: fb,
		Metrics:  metrics,
	}, agent.Options{
		DeviceId:            c.DeviceId,
		Interval:            c.PostInterval(),
		TickInterval:        c.TickInterval(),
		EscalationThreshold: c.Schedule.EscalationThreshold,
		OnTick:              onTick,
	}), nil
}

// ServeMetrics starts optional prometheus listener, stopped by Alive.
func (g *Global) ServeMetrics() {
	addr := g.Config.Metrics.Listen
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		g.Log.Infof("metrics listen=%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.Log.Errorf("metrics listen=%s err=%v", addr, err)
		}
	}()
	go func() {
		<-g.Alive.StopChan()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
}
