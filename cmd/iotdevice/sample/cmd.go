package sample

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/cmd/iotdevice/subcmd"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

var Mod = subcmd.Mod{Name: "sample", Usage: "publish sample telemetry of one simulated device", Main: Main}

func Main(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	opt := FromConfig(&cfg.Sample)
	t, err := subcmd.NewTransport(cfg, log)
	if err != nil {
		return err
	}
	rt, err := subcmd.NewRuntime(cfg, log)
	if err != nil {
		return errors.Annotate(err, "sample")
	}

	runner := NewRunner(opt, rt.Registry, log)
	subcmd.SdNotify(daemon.SdNotifyReady)
	err = runner.Run(ctx, t)
	rt.Close(context.Background())
	return err
}
