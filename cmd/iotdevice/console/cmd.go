// Interactive console: open device connections, send records, watch requests.
package console

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/cmd/iotdevice/subcmd"
	"github.com/temoto/iotdevice/device"
	"github.com/temoto/iotdevice/helpers/cli"
	"github.com/temoto/iotdevice/internal/codec"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

const modName = "console"

const usage = `commands:
- open ID                  connect device
- close ID                 drain and disconnect
- status                   all sessions
- tree ID [CHILD...]       send device tree
- trend ID TAG ACT         send trend
- realtime ID TAG VALUE    send channel realtime
- device-realtime ID       send device realtime
- json ID RECORD           send record given as wire JSON
- exit
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive device console", Main: Main}

func Main(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	rt, err := subcmd.NewRuntime(cfg, log)
	if err != nil {
		return errors.Annotate(err, modName)
	}
	c := New(cfg, rt.Registry, log, func() (iot.Transport, error) { return subcmd.NewTransport(cfg, log) })
	exec := func(line string) {
		if strings.TrimSpace(line) == "exit" {
			ok := rt.Close(context.Background())
			log.Infof("closed clean=%t", ok)
			os.Exit(0)
		}
		if err := c.Exec(ctx, line); err != nil {
			log.Error(err)
		}
	}
	err = cli.MainLoop(ctx, modName, exec, c.Complete)
	rt.Close(context.Background())
	return err
}

type Console struct {
	cfg          *config.Config
	reg          *device.Registry
	log          *log2.Log
	newTransport func() (iot.Transport, error)
	handles      map[string]device.Handle
	now          func() time.Time
}

func New(cfg *config.Config, reg *device.Registry, log *log2.Log, newTransport func() (iot.Transport, error)) *Console {
	return &Console{
		cfg:          cfg,
		reg:          reg,
		log:          log,
		newTransport: newTransport,
		handles:      make(map[string]device.Handle),
		now:          time.Now,
	}
}

func (c *Console) Exec(ctx context.Context, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, args := words[0], words[1:]
	need := func(n int) error {
		if len(args) < n {
			return errors.NotValidf("%s requires %d arguments, see help", cmd, n)
		}
		return nil
	}
	switch cmd {
	case "help":
		c.log.Info(usage)
		return nil

	case "status":
		for _, st := range c.reg.Snapshot() {
			c.log.Infof("%s unconfirmed=%d dropped=%d", st.String(), st.Unconfirmed, st.Dropped)
		}
		return nil

	case "open":
		if err := need(1); err != nil {
			return err
		}
		return c.open(ctx, args[0])

	case "close":
		if err := need(1); err != nil {
			return err
		}
		h, err := c.handle(args[0])
		if err != nil {
			return err
		}
		delete(c.handles, args[0])
		c.log.Infof("close device=%s clean=%t", args[0], c.reg.Close(h))
		return nil
	}

	if err := need(1); err != nil {
		return err
	}
	h, err := c.handle(args[0])
	if err != nil {
		return err
	}
	rec, err := c.record(cmd, args)
	if err != nil {
		return err
	}
	return c.reg.Send(h, rec)
}

func (c *Console) record(cmd string, args []string) (iot.Record, error) {
	id, now := args[0], c.now()
	switch cmd {
	case "tree":
		d := iot.Device{ID: id}
		for _, child := range args[1:] {
			d.Add(iot.Device{ID: child})
		}
		return iot.DeviceTree{DeviceID: id, Devices: []iot.Device{d}}, nil

	case "trend":
		if len(args) < 3 {
			return nil, errors.NotValidf("trend ID TAG ACT")
		}
		if _, err := strconv.ParseFloat(args[2], 64); err != nil {
			return nil, errors.NotValidf("trend value=%s", args[2])
		}
		return iot.Trends{DeviceID: id, Items: []iot.Trend{{Tag: args[1], Time: now.Unix(), Act: args[2]}}}, nil

	case "realtime":
		if len(args) < 3 {
			return nil, errors.NotValidf("realtime ID TAG VALUE")
		}
		return iot.ChannelRealtimes{DeviceID: id, Items: []iot.ChannelRealtime{{
			Tag:   args[1],
			Time:  now.Unix(),
			Ms:    int32(now.Nanosecond() / int(time.Millisecond)),
			Value: args[2],
		}}}, nil

	case "device-realtime":
		return iot.DevicesRealtime{DeviceID: id, Items: []iot.DeviceRealtime{{
			DeviceID: id,
			Time:     now.Unix(),
			Ms:       int32(now.Nanosecond() / int(time.Millisecond)),
		}}}, nil

	case "json":
		if len(args) < 2 {
			return nil, errors.NotValidf("json ID RECORD")
		}
		return codec.Decode([]byte(strings.Join(args[1:], " ")))
	}
	return nil, errors.NotSupportedf("command=%s", cmd)
}

func (c *Console) open(ctx context.Context, id string) error {
	t, err := c.newTransport()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NetworkTimeout())
	defer cancel()
	h, err := c.reg.Open(ctx, iot.Options{DeviceID: id, Transport: t})
	if err != nil {
		return err
	}
	c.handles[id] = h
	if err = c.reg.RegisterCloudToDevice(h, c.onRequest); err != nil {
		return err
	}
	c.log.Infof("opened %s", h.String())
	return nil
}

func (c *Console) onRequest(h device.Handle, req iot.Request) {
	c.log.Infof("request device=%s %s %+v", h.DeviceID(), req.RequestType(), req)
}

func (c *Console) handle(id string) (device.Handle, error) {
	h, ok := c.handles[id]
	if !ok {
		return device.Handle{}, errors.NotFoundf("device=%s not opened", id)
	}
	return h, nil
}

func (c *Console) Complete(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	if strings.Contains(d.TextBeforeCursor(), " ") {
		ids := make([]string, 0, len(c.handles))
		for id := range c.handles {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		suggests := make([]prompt.Suggest, len(ids))
		for i, id := range ids {
			suggests[i] = prompt.Suggest{Text: id}
		}
		return prompt.FilterHasPrefix(suggests, word, false)
	}
	suggests := []prompt.Suggest{
		{Text: "open", Description: "connect device"},
		{Text: "close", Description: "drain and disconnect"},
		{Text: "status"},
		{Text: "tree"},
		{Text: "trend"},
		{Text: "realtime"},
		{Text: "device-realtime"},
		{Text: "json"},
		{Text: "help"},
		{Text: "exit"},
	}
	return prompt.FilterHasPrefix(suggests, word, true)
}
