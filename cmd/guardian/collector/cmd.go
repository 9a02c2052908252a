package collector

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/guardian/cmd/guardian/subcmd"
	"github.com/temoto/guardian/internal/collector"
	"github.com/temoto/guardian/internal/state"
	"golang.org/x/sync/errgroup"
)

var Mod = subcmd.Mod{Name: "collector", Usage: "receive readings over HTTP, store and report status", Main: Main}

const shutdownTimeout = 5 * time.Second

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}
	if err := config.ValidateCollector(); err != nil {
		return errors.Annotate(err, "config")
	}

	store, err := collector.OpenStore(config.Collector.DbPath)
	if err != nil {
		return err
	}
	g.OnClose(store.Close)
	if config.Collector.DbPath == "" {
		g.Log.Infof("collector.db_path empty, readings are kept in memory")
	}

	srv, err := collector.NewServer(g.Log, store, Thresholds(config), g.Registry)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              config.Collector.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.Log.Infof("collector listen=%s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Annotatef(err, "collector listen=%s", httpServer.Addr)
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-g.Alive.StopChan():
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Annotate(httpServer.Shutdown(sctx), "collector shutdown")
	})

	subcmd.SdNotify(daemon.SdNotifyReady)
	return group.Wait()
}

func Thresholds(config *state.Config) []collector.Threshold {
	ts := make([]collector.Threshold, 0, len(config.Thresholds))
	for _, t := range config.Thresholds {
		ts = append(ts, collector.Threshold{Name: t.Name, Warning: t.Warning, Danger: t.Danger})
	}
	return ts
}
