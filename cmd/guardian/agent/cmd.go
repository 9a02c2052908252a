package agent

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/guardian/cmd/guardian/subcmd"
	"github.com/temoto/guardian/internal/state"
)

var Mod = subcmd.Mod{Name: "agent", Usage: "read sensors and upload snapshots", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}

	sched, err := g.Agent(watchdogFunc(g))
	if err != nil {
		return err
	}
	g.ServeMetrics()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("agent init complete")
	err = sched.Run(ctx, g.Alive)
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	return err
}

// watchdogFunc pings systemd watchdog at half of WatchdogSec, nil when disabled.
func watchdogFunc(g *state.Global) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		g.Log.Errorf("systemd watchdog err=%v", err)
		return nil
	}
	if interval <= 0 {
		return nil
	}
	g.Log.Debugf("systemd watchdog interval=%v", interval)
	var last time.Time
	return func() {
		if now := time.Now(); now.Sub(last) >= interval/2 {
			last = now
			subcmd.SdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
