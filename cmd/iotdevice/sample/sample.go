package sample

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotdevice/device"
	"github.com/temoto/iotdevice/helpers"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/log2"
)

// Ms part of channel realtime timestamps
const sampleMs = 313

// Runner publishes device tree, trend and device realtime once,
// then channel realtimes on timer and answers cloud-to-device requests.
type Runner struct {
	opt  Options
	reg  *device.Registry
	log  *log2.Log
	rand *rand.Rand
	now  func() time.Time

	handle    device.Handle
	doneOnce  sync.Once
	done      chan struct{}
	iteration int       // timer callback only
	lastTrend time.Time // timer callback only

	mu    sync.Mutex
	value string
}

func NewRunner(opt Options, reg *device.Registry, log *log2.Log) *Runner {
	return &Runner{
		opt:   opt,
		reg:   reg,
		log:   log,
		rand:  helpers.RandUnix(),
		now:   time.Now,
		done:  make(chan struct{}),
		value: formatValue(0),
	}
}

// Run returns after Iterations channel realtimes or ctx cancel.
// Error when connection could not be opened or messages were abandoned at close.
func (r *Runner) Run(ctx context.Context, t iot.Transport) error {
	h, err := r.reg.Open(ctx, iot.Options{DeviceID: r.opt.DeviceID, Transport: t})
	if err != nil {
		return errors.Annotate(err, "sample open")
	}
	r.handle = h
	r.log.Infof("sample device=%s profile=%s name=%s serial=%s asset=%s mac=%s channel=%s",
		r.opt.DeviceID, r.opt.Profile, r.opt.Name, r.opt.Serial, r.opt.AssetTag, r.opt.MAC, r.opt.ChannelTag)

	if err = r.reg.RegisterCloudToDevice(h, r.onRequest); err != nil {
		r.reg.Close(h)
		return errors.Annotate(err, "sample register cloud-to-device")
	}
	r.lastTrend = r.now()
	for _, rec := range []iot.Record{r.deviceTree(), r.trends(r.lastTrend), r.devicesRealtime()} {
		if err = r.reg.Send(h, rec); err != nil {
			r.reg.Close(h)
			return errors.Annotatef(err, "sample send %s", rec.DataType())
		}
	}
	if err = r.reg.RegisterTimer(h, r.opt.RealtimeInterval, r.onTimer); err != nil {
		r.reg.Close(h)
		return errors.Annotate(err, "sample register timer")
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.log.Infof("sample interrupted")
	}
	_ = r.reg.UnregisterTimer(h)
	if st, err := r.reg.Status(h); err == nil {
		r.log.Infof("sample %s", st.String())
	}
	if !r.reg.Close(h) {
		return errors.Annotatef(iot.ErrSendError, "sample close device=%s abandoned messages", r.opt.DeviceID)
	}
	return nil
}

func (r *Runner) onTimer(h device.Handle) {
	if r.opt.Iterations > 0 && r.iteration >= r.opt.Iterations {
		return
	}
	now := r.now()
	r.iteration++
	value := formatValue(float32(r.rand.Intn(20)))
	r.mu.Lock()
	r.value = value
	r.mu.Unlock()
	r.send(h, r.channelRealtimes(now, value))
	if now.Sub(r.lastTrend) >= r.opt.TrendInterval {
		r.lastTrend = now
		r.send(h, r.trends(now))
	}
	if r.opt.Iterations > 0 && r.iteration >= r.opt.Iterations {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

func (r *Runner) onRequest(h device.Handle, req iot.Request) {
	r.log.Debugf("sample request=%s %+v", req.RequestType(), req)
	switch rq := req.(type) {
	case *iot.GetDeviceTree:
		r.send(h, r.deviceTree())
	case *iot.GetDevicesRealtime:
		r.send(h, r.devicesRealtime())
	case *iot.GetChannelRealtimes:
		if !wantTag(rq.Tags, r.opt.ChannelTag) {
			return
		}
		r.mu.Lock()
		value := r.value
		r.mu.Unlock()
		r.send(h, r.channelRealtimes(r.now(), value))
	case *iot.DeviceCommand:
		r.log.Infof("sample command id=%s device=%s method=%s params=%s", rq.ID, rq.DeviceID, rq.Method, rq.Params)
	}
}

func (r *Runner) send(h device.Handle, rec iot.Record) {
	if err := r.reg.Send(h, rec); err != nil {
		r.log.Error(errors.Annotatef(err, "sample send %s", rec.DataType()))
	}
}

func (r *Runner) deviceTree() iot.DeviceTree {
	d := iot.Device{
		ID:       r.opt.DeviceID,
		Profile:  r.opt.Profile,
		Name:     r.opt.Name,
		Serial:   r.opt.Serial,
		AssetTag: r.opt.AssetTag,
		MAC:      r.opt.MAC,
	}
	d.Add(iot.Device{
		ID:       r.opt.SubDeviceID,
		Profile:  r.opt.SubProfile,
		Name:     "sub_simulated",
		Serial:   "sub seri",
		AssetTag: "sub deviceAssetTag",
		MAC:      "sub deviceMAC",
	})
	return iot.DeviceTree{DeviceID: r.opt.DeviceID, Devices: []iot.Device{d}}
}

func (r *Runner) trends(now time.Time) iot.Trends {
	return iot.Trends{
		DeviceID: r.opt.SubDeviceID,
		Items: []iot.Trend{{
			Tag:  r.opt.ChannelTag,
			Time: now.Unix(),
			Min:  "1.0",
			Max:  "999.0",
			Act:  "456.0",
			Avg:  "500.0",
		}},
	}
}

func (r *Runner) devicesRealtime() iot.DevicesRealtime {
	return iot.DevicesRealtime{
		DeviceID: r.opt.DeviceID,
		Items:    []iot.DeviceRealtime{{DeviceID: r.opt.DeviceID}},
	}
}

func (r *Runner) channelRealtimes(now time.Time, value string) iot.ChannelRealtimes {
	return iot.ChannelRealtimes{
		DeviceID: r.opt.SubDeviceID,
		Items: []iot.ChannelRealtime{{
			Tag:   r.opt.ChannelTag,
			Time:  now.Unix(),
			Ms:    sampleMs,
			Value: value,
		}},
	}
}

func formatValue(v float32) string { return fmt.Sprintf("%f", v) }

func wantTag(tags []string, tag string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
