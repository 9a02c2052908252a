// Read all configured sensors once and print payload, for wiring checks on device.
package snapshot

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/guardian/cmd/guardian/subcmd"
	"github.com/temoto/guardian/internal/sample"
	"github.com/temoto/guardian/internal/state"
)

var Mod = subcmd.Mod{Name: "snapshot", Usage: "read sensors once, print JSON payload", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}
	if err := config.ValidateAgent(); err != nil {
		return errors.Annotate(err, "config")
	}
	sensors, err := g.OpenSensors()
	if err != nil {
		return err
	}

	snap := sample.Build(g.Log, config.DeviceId, sensors.Sources, g.Clock.Uptime(), sample.Options{})
	b, err := snap.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s\n", b)
	return err
}
