// Inspect or replay terminally failed messages.
package deadletter

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotdevice/cmd/iotdevice/subcmd"
	"github.com/temoto/iotdevice/device"
	"github.com/temoto/iotdevice/internal/codec"
	dl "github.com/temoto/iotdevice/internal/deadletter"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

const modName = "deadletter"

// store is considered empty after this long without entries
const drainIdle = 200 * time.Millisecond

var Mod = subcmd.Mod{Name: modName, Usage: "deadletter drain|resend", Main: Main}

func Main(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	action := "drain"
	if len(args) > 0 {
		action = args[0]
	}
	if cfg.DeadLetterPath == "" {
		return errors.NotValidf("dead_letter_path is not configured")
	}

	switch action {
	case "drain":
		store, err := dl.Open(cfg.DeadLetterPath, log)
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := Drain(store, log)
		log.Infof("deadletter drained=%d", n)
		return err

	case "resend":
		store, err := dl.Open(cfg.DeadLetterPath, log)
		if err != nil {
			return err
		}
		defer store.Close()
		// failures of replay must not go back into the store being drained
		reg := device.NewRegistry(cfg, log)
		r := NewResender(ctx, reg, log, func() (iot.Transport, error) { return subcmd.NewTransport(cfg, log) })
		n, err := store.Drain(drainIdle, r.Resend)
		clean := reg.CloseAll()
		log.Infof("deadletter resent=%d clean=%t", n, clean)
		return err
	}
	return errors.NotSupportedf("%s action=%s", modName, action)
}

// Drain prints and deletes every stored entry.
func Drain(store *dl.Store, log *log2.Log) (int, error) {
	return store.Drain(drainIdle, func(e *dl.Entry) error {
		log.Infof("deadletter %s", e.String())
		return nil
	})
}

type Resender struct {
	ctx          context.Context
	reg          *device.Registry
	log          *log2.Log
	newTransport func() (iot.Transport, error)
	handles      map[string]device.Handle
}

func NewResender(ctx context.Context, reg *device.Registry, log *log2.Log, newTransport func() (iot.Transport, error)) *Resender {
	return &Resender{
		ctx:          ctx,
		reg:          reg,
		log:          log,
		newTransport: newTransport,
		handles:      make(map[string]device.Handle),
	}
}

// Resend queues entry payload again. Undecodable payload is logged and skipped.
func (r *Resender) Resend(e *dl.Entry) error {
	rec, err := codec.Decode(e.Payload)
	if err != nil {
		r.log.Errorf("deadletter skip %s err=%v", e.String(), err)
		return nil
	}
	h, ok := r.handles[e.DeviceID]
	if !ok {
		t, err := r.newTransport()
		if err != nil {
			return err
		}
		if h, err = r.reg.Open(r.ctx, iot.Options{DeviceID: e.DeviceID, Transport: t}); err != nil {
			return errors.Annotatef(err, "deadletter resend id=%d", e.MessageID)
		}
		r.handles[e.DeviceID] = h
	}
	return errors.Annotatef(r.reg.Send(h, rec), "deadletter resend id=%d", e.MessageID)
}
