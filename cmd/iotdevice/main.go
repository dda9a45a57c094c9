package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/temoto/iotdevice/cmd/iotdevice/console"
	"github.com/temoto/iotdevice/cmd/iotdevice/deadletter"
	"github.com/temoto/iotdevice/cmd/iotdevice/sample"
	"github.com/temoto/iotdevice/cmd/iotdevice/subcmd"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	sample.Mod,
	console.Mod,
	deadletter.Mod,
}

func main() {
	log := log2.NewStderr(log2.LDebug)
	log.SetFlags(log2.LInteractiveFlags)

	flagset := flag.NewFlagSet("iotdevice", flag.ExitOnError)
	flagConfig := flagset.String("config", "iotdevice.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: %s [-config=iotdevice.hcl] command [args]\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-12s %s\n", m.Name, m.Usage)
		}
		flagset.PrintDefaults()
	}
	_ = flagset.Parse(os.Args[1:])

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	}
	log.Infof("iotdevice version=%s starting %s", BuildVersion, mod.Name)

	fs := config.NewOsFullReader()
	cfg := config.MustReadConfig(log, fs, *flagConfig)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	if err := mod.Main(ctx, cfg, log, flagset.Args()[1:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
