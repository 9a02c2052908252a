package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/guardian/cmd/guardian/agent"
	"github.com/temoto/guardian/cmd/guardian/collector"
	"github.com/temoto/guardian/cmd/guardian/snapshot"
	"github.com/temoto/guardian/cmd/guardian/subcmd"
	"github.com/temoto/guardian/internal/state"
	"github.com/temoto/guardian/log2"
)

var log = log2.NewStderr(log2.LDebug)

// set by -ldflags "-X main.BuildVersion=..."
var BuildVersion string = "unknown"

var modules = []subcmd.Mod{
	agent.Mod,
	collector.Mod,
	snapshot.Mod,
	{Name: "version", Usage: "print build version", Main: func(context.Context, *state.Config) error {
		fmt.Printf("guardian %s\n", BuildVersion)
		return nil
	}},
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "guardian.hcl", "")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [-config guardian.hcl] command\n", os.Args[0])
		cmdline.PrintDefaults()
		subcmd.PrintUsage(cmdline.Output(), modules)
	}
	_ = cmdline.Parse(os.Args[1:])

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}
	if mod.Name == "version" {
		_ = mod.Main(context.Background(), nil)
		return
	}

	if subcmd.SdNotify("start") {
		// systemd journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.SetLevel(log2.LInfo)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	g := state.NewGlobal(log, BuildVersion)
	ctx, cancel := context.WithCancel(state.NewContext(g))
	defer cancel()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigch
		log.Infof("signal=%v stopping", s)
		g.Stop()
		cancel()
	}()

	err = mod.Main(ctx, config)
	g.Stop()
	if cerr := g.Close(); cerr != nil {
		log.Errorf("close err=%v", cerr)
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
