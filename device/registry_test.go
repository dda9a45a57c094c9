package device

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotdevice/internal/codec"
	"github.com/temoto/iotdevice/internal/deadletter"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

func testRegistry(t testing.TB, cfg *config.Config, opts ...Option) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	require.NoError(t, cfg.Validate())
	return NewRegistry(cfg, log2.NewTest(t, log2.LDebug), opts...)
}

func testOpen(t testing.TB, r *Registry, id string) (Handle, *iot.MockTransport) {
	tr := iot.NewMockTransport(64)
	h, err := r.Open(context.Background(), iot.Options{DeviceID: id, Transport: tr})
	require.NoError(t, err)
	return h, tr
}

func waitStatus(t testing.TB, r *Registry, h Handle, cond func(iot.Status) bool) iot.Status {
	var last iot.Status
	var mu sync.Mutex
	require.Eventually(t, func() bool {
		st, err := r.Status(h)
		if err != nil {
			return false
		}
		mu.Lock()
		last = st
		mu.Unlock()
		return cond(st)
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	return last
}

func exampleRealtimes(id string) iot.ChannelRealtimes {
	return iot.ChannelRealtimes{DeviceID: id, Items: []iot.ChannelRealtime{
		{Tag: "mACIA", Time: 1465169399, Ms: 313, Value: "12.000000"},
	}}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, config.Constrained())
	ctx := context.Background()
	cases := []struct {
		name   string
		opt    iot.Options
		expect iot.ErrorCode
	}{
		{"empty-id", iot.Options{Transport: iot.NewMockTransport(0)}, iot.ErrInvalidArgument},
		{"long-id", iot.Options{DeviceID: strings.Repeat("x", 37), Transport: iot.NewMockTransport(0)}, iot.ErrInvalidArgument},
		{"no-transport", iot.Options{DeviceID: "dev1"}, iot.ErrInvalidArgument},
		{"transport-error", iot.Options{DeviceID: "dev1", Transport: &iot.MockTransport{OpenErr: errors.New("refused")}}, iot.ErrConnectionFailed},
	}
	for _, c := range cases {
		_, err := r.Open(ctx, c.opt)
		require.Error(t, err, c.name)
		assert.Equal(t, c.expect, errors.Cause(err), c.name)
		assert.Equal(t, c.expect, iot.CodeOf(err), c.name)
	}
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.Exists("dev1"))

	h, _ := testOpen(t, r, "dev1")
	assert.Equal(t, "dev1", h.DeviceID())
	assert.False(t, h.IsZero())
	st, err := r.Status(h)
	require.NoError(t, err)
	assert.Equal(t, iot.Status{DeviceID: "dev1", Connection: iot.StatusOpened}, st)

	_, err = r.Open(ctx, iot.Options{DeviceID: "dev1", Transport: iot.NewMockTransport(0)})
	assert.Equal(t, iot.ErrDuplicateConnection, errors.Cause(err))
	// first session untouched
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Exists("dev1"))
	assert.True(t, r.Close(h))
}

func TestSendConfirmed(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, nil)
	h, tr := testOpen(t, r, "dev1")
	rec := exampleRealtimes("dev1")
	require.NoError(t, r.Send(h, rec))

	select {
	case b := <-tr.Sent:
		assert.Equal(t, `{"uuid":"dev1","realtimes":[{"tag":"mACIA","time":1465169399,"ms":313,"value":"12.000000","disconnected":false,"disabled":false,"disarmed":false}]}`, string(b))
	case <-time.After(waitFor):
		t.Fatal("message not sent")
	}
	st := waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.Equal(t, int64(1), st.Outbound)
	assert.Equal(t, iot.OK, st.LastError)
	assert.Equal(t, 0, st.Unconfirmed)

	// every record kind, value and pointer
	recs := []iot.Record{
		iot.DeviceTree{DeviceID: "dev1", Devices: []iot.Device{{ID: "dev1", Profile: "p"}}},
		&iot.DevicesRealtime{DeviceID: "dev1", Items: []iot.DeviceRealtime{{DeviceID: "dev1", Time: 1}}},
		&iot.Trends{DeviceID: "dev1", Items: []iot.Trend{{Tag: "mACIA", Time: 1, Act: "456.0"}}},
	}
	for _, rec := range recs {
		require.NoError(t, r.Send(h, rec))
		expect, err := codec.Marshal(rec)
		require.NoError(t, err)
		select {
		case b := <-tr.Sent:
			assert.Equal(t, string(expect), string(b))
		case <-time.After(waitFor):
			t.Fatal("message not sent")
		}
	}
	st = waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 4 })
	assert.Equal(t, int64(4), st.Outbound)
	assert.True(t, r.Close(h))
}

func TestSendInvalid(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, config.Constrained())
	h, _ := testOpen(t, r, "dev1")
	var nilTree *iot.DeviceTree
	cases := []struct {
		name   string
		rec    iot.Record
		expect iot.ErrorCode
	}{
		{"nil", nil, iot.ErrInvalidArgument},
		{"nil-pointer", nilTree, iot.ErrInvalidArgument},
		{"no-device", iot.Trends{}, iot.ErrInvalidArgument},
		{"long-device", iot.Trends{DeviceID: strings.Repeat("d", 40)}, iot.ErrInvalidArgument},
		{"serialize", iot.DeviceTree{DeviceID: "dev1", Devices: []iot.Device{{ID: "", Profile: "p"}}}, iot.ErrSerialize},
		{"invalid-utf8", iot.ChannelRealtimes{DeviceID: "dev1", Items: []iot.ChannelRealtime{{Tag: "t\xff", Value: "1"}}}, iot.ErrSerialize},
		{"overflow", iot.ChannelRealtimes{DeviceID: "dev1", Items: []iot.ChannelRealtime{{Tag: "t", Value: strings.Repeat("9", 600)}}}, iot.ErrSerialize},
	}
	for _, c := range cases {
		err := r.Send(h, c.rec)
		require.Error(t, err, c.name)
		assert.Equal(t, c.expect, errors.Cause(err), c.name)
	}
	st, err := r.Status(h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Outbound)
	assert.Equal(t, 0, st.Unconfirmed)

	assert.Equal(t, iot.ErrInvalidHandle, errors.Cause(r.Send(Handle{}, exampleRealtimes("dev1"))))
	assert.True(t, r.Close(h))
}

func TestIdleShrink(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	r := testRegistry(t, cfg)
	h, tr := testOpen(t, r, "dev1")
	devices := make([]iot.Device, 100)
	for i := range devices {
		devices[i] = iot.Device{ID: fmt.Sprintf("sub%03d", i), Profile: "p"}
	}
	require.NoError(t, r.Send(h, iot.DeviceTree{DeviceID: "dev1", Devices: devices}))
	select {
	case b := <-tr.Sent:
		require.Greater(t, len(b), cfg.Pool.InitialBufferSize)
	case <-time.After(waitFor):
		t.Fatal("message not sent")
	}
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })

	s, err := r.lookup(h)
	require.NoError(t, err)
	slot, err := s.pool.Reserve(func(w io.Writer) error {
		_, err := w.Write([]byte("{}"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.pool.Len())
	assert.Equal(t, cfg.Pool.InitialBufferSize, slot.Cap())
	require.NoError(t, s.pool.MarkSent(slot))
	require.NoError(t, s.pool.MarkConfirmed(slot))
	assert.True(t, r.Close(h))
}

func TestRetry(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.MaxRetry = 3
	r := testRegistry(t, cfg)
	h, tr := testOpen(t, r, "dev1")
	tr.Fail = func(msg *iot.Message, attempt int) error {
		if attempt <= 2 {
			return errors.Errorf("timeout attempt=%d", attempt)
		}
		return nil
	}
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	st := waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.Equal(t, int64(1), st.Outbound)
	assert.Equal(t, iot.OK, st.LastError)
	id := uint64(1)
	assert.Equal(t, 3, tr.Attempts(id))

	// same bytes on every attempt
	first := <-tr.Sent
	assert.Equal(t, first, <-tr.Sent)
	assert.Equal(t, first, <-tr.Sent)
	assert.True(t, r.Close(h))
}

func TestRetryBackoff(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.MaxRetry = 2
	cfg.RetryDelayMs = 20
	r := testRegistry(t, cfg)
	h, tr := testOpen(t, r, "dev1")
	tr.Fail = func(msg *iot.Message, attempt int) error {
		if attempt == 1 {
			return errors.New("busy")
		}
		return nil
	}
	tbegin := time.Now()
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.GreaterOrEqual(t, int64(time.Since(tbegin)), int64(20*time.Millisecond))
	assert.True(t, r.Close(h))
}

func TestTerminalFailure(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	dl, err := deadletter.Open(deadletter.OnlyForTesting, log)
	require.NoError(t, err)
	defer dl.Close()
	cfg := config.Default()
	cfg.MaxRetry = 2
	r := testRegistry(t, cfg, WithDeadLetter(dl))
	h, tr := testOpen(t, r, "dev1")
	tr.Fail = func(*iot.Message, int) error { return errors.New("broker down") }

	rec := exampleRealtimes("dev1")
	require.NoError(t, r.Send(h, rec))
	st := waitStatus(t, r, h, func(st iot.Status) bool { return st.LastError == iot.ErrSendError })
	assert.Equal(t, int64(1), st.Outbound)
	assert.Equal(t, int64(0), st.Confirmed)
	assert.Equal(t, 0, st.Unconfirmed)
	assert.Equal(t, 3, tr.Attempts(1))

	expect, err := codec.Marshal(rec)
	require.NoError(t, err)
	n, err := dl.Drain(time.Second, func(e *deadletter.Entry) error {
		assert.Equal(t, "dev1", e.DeviceID)
		assert.Equal(t, uint64(1), e.MessageID)
		assert.Equal(t, iot.DataRealtimes, e.DataType)
		assert.Equal(t, string(expect), string(e.Payload))
		assert.Equal(t, "broker down", e.Reason)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// later success does not clear last error
	tr.Fail = nil
	require.NoError(t, r.Send(h, rec))
	st = waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.Equal(t, iot.ErrSendError, st.LastError)
	assert.True(t, r.Close(h))
}

func TestBackpressure(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.MaxUnconfirmed = 2
	r := testRegistry(t, cfg)
	h, tr := testOpen(t, r, "dev1")
	tr.Hold(true)
	rec := exampleRealtimes("dev1")
	require.NoError(t, r.Send(h, rec))
	require.NoError(t, r.Send(h, rec))
	err := r.Send(h, rec)
	require.Error(t, err)
	assert.Equal(t, iot.ErrSendRequestRejected, errors.Cause(err))

	require.Eventually(t, func() bool { return tr.Attempts(2) == 1 }, waitFor, tick)
	assert.Equal(t, 2, tr.Release())
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 2 && st.Unconfirmed == 0 })
	tr.Hold(false)
	require.NoError(t, r.Send(h, rec))
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 3 })
	assert.True(t, r.Close(h))
}

func TestNoBuffer(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, config.Constrained())
	h, tr := testOpen(t, r, "dev1")
	tr.Hold(true)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	}
	err := r.Send(h, exampleRealtimes("dev1"))
	assert.Equal(t, iot.ErrNoAvailableMessageBuffer, errors.Cause(err))
	require.Eventually(t, func() bool { return tr.Attempts(4) == 1 }, waitFor, tick)
	tr.Hold(false)
	tr.Release()
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 4 })
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	assert.True(t, r.Close(h))
}

func TestCloudToDevice(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, config.Constrained())
	h, tr := testOpen(t, r, "dev1")
	got := make(chan iot.Request, 8)
	cb := func(hcb Handle, req iot.Request) {
		assert.Equal(t, h, hcb)
		got <- req
	}
	require.NoError(t, r.RegisterCloudToDevice(h, cb))
	err := r.RegisterCloudToDevice(h, cb)
	assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(err))
	assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(r.RegisterCloudToDevice(h, nil)))

	require.True(t, tr.Receive([]byte(`{"type":"RealtimesReq","uuid":"dev1","tags":["mACIA"]}`)))
	select {
	case req := <-got:
		assert.Equal(t, &iot.GetChannelRealtimes{DeviceID: "dev1", Tags: []string{"mACIA"}}, req)
	case <-time.After(waitFor):
		t.Fatal("callback not invoked")
	}

	// dropped: malformed, unknown type, command field over limit
	tr.Receive([]byte(`{"type":`))
	tr.Receive([]byte(`{"type":"TrendsReq"}`))
	tr.Receive([]byte(`{"type":"DeviceCommand","id":"c1","uuid":"dev1","method":"m","params":"` + strings.Repeat("p", 32) + `"}`))
	tr.Receive([]byte(`{"type":"DeviceCommand","id":"c1","uuid":"dev1","method":"reboot","params":{}}`))
	select {
	case req := <-got:
		assert.Equal(t, &iot.DeviceCommand{ID: "c1", DeviceID: "dev1", Method: "reboot", Params: "{}"}, req)
	case <-time.After(waitFor):
		t.Fatal("callback not invoked")
	}
	st := waitStatus(t, r, h, func(st iot.Status) bool { return st.Inbound == 5 })
	assert.Equal(t, int64(3), st.Dropped)

	require.NoError(t, r.UnregisterCloudToDevice(h))
	require.NoError(t, r.UnregisterCloudToDevice(h))
	tr.Receive([]byte(`{"type":"DeviceTreeReq"}`))
	// events are processed in order, confirmed send means inbound was handled
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	st = waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.Equal(t, int64(6), st.Inbound)
	// register again allowed after unregister
	require.NoError(t, r.RegisterCloudToDevice(h, cb))
	assert.True(t, r.Close(h))
	assert.Len(t, got, 0)
}

func TestCallbackMaySend(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, nil)
	h, tr := testOpen(t, r, "dev1")
	require.NoError(t, r.RegisterCloudToDevice(h, func(h Handle, req iot.Request) {
		if q, ok := req.(*iot.GetChannelRealtimes); ok {
			reply := iot.ChannelRealtimes{DeviceID: h.DeviceID()}
			for _, tag := range q.Tags {
				reply.Items = append(reply.Items, iot.ChannelRealtime{Tag: tag, Value: "1"})
			}
			assert.NoError(t, r.Send(h, reply))
		}
	}))
	tr.Receive([]byte(`{"type":"RealtimesReq","uuid":"dev1","tags":["a","b"]}`))
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed == 1 })
	assert.True(t, r.Close(h))
}

func TestTimer(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, nil)
	h, _ := testOpen(t, r, "dev1")
	var calls int32
	var mu sync.Mutex
	var times []time.Time
	cb := func(hcb Handle) {
		assert.Equal(t, h, hcb)
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, r.Send(hcb, exampleRealtimes("dev1")))
	}
	const interval = 20 * time.Millisecond
	tbegin := time.Now()
	require.NoError(t, r.RegisterTimer(h, interval, cb))
	assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(r.RegisterTimer(h, interval, cb)))
	assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(r.RegisterTimer(h, -1, cb)))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, waitFor, tick)
	require.NoError(t, r.UnregisterTimer(h))
	require.NoError(t, r.UnregisterTimer(h))

	mu.Lock()
	prev := tbegin
	for _, at := range times[:3] {
		assert.GreaterOrEqual(t, int64(at.Sub(prev)), int64(interval-time.Millisecond))
		prev = at
	}
	mu.Unlock()
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Confirmed >= 3 })

	stopped := atomic.LoadInt32(&calls)
	time.Sleep(5 * interval)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), stopped+1)
	assert.True(t, r.Close(h))
}

func TestConnectionStatus(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, nil)
	h, tr := testOpen(t, r, "dev1")
	tr.SetConnection(false)
	st, err := r.Status(h)
	require.NoError(t, err)
	assert.Equal(t, iot.StatusOther, st.Connection)
	tr.SetConnection(true)
	st, err = r.Status(h)
	require.NoError(t, err)
	assert.Equal(t, iot.StatusOpened, st.Connection)
	assert.True(t, r.Close(h))
}

func TestClose(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, nil)
	h, tr := testOpen(t, r, "dev1")
	tr.Hold(true)
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	require.Eventually(t, func() bool { return tr.Attempts(1) == 1 }, waitFor, tick)

	result := make(chan bool)
	go func() { result <- r.Close(h) }()
	waitStatus(t, r, h, func(st iot.Status) bool { return st.Connection == iot.StatusClosing })
	err := r.Send(h, exampleRealtimes("dev1"))
	assert.Equal(t, iot.ErrInvalidHandle, errors.Cause(err))
	assert.Equal(t, 1, tr.Release())
	assert.True(t, <-result)
	assert.True(t, tr.IsClosed())

	_, err = r.Status(h)
	assert.Equal(t, iot.ErrInvalidHandle, errors.Cause(err))
	assert.Equal(t, iot.ErrInvalidHandle, errors.Cause(r.Send(h, exampleRealtimes("dev1"))))
	assert.Equal(t, iot.ErrInvalidHandle, errors.Cause(r.RegisterTimer(h, 0, func(Handle) {})))
	assert.False(t, r.Close(h))
	assert.False(t, r.Exists("dev1"))

	// same device id again, old handle stays invalid
	h2, _ := testOpen(t, r, "dev1")
	assert.NotEqual(t, h, h2)
	assert.Equal(t, iot.ErrInvalidHandle, errors.Cause(r.Send(h, exampleRealtimes("dev1"))))
	assert.True(t, r.Close(h2))
}

func TestCloseAbandon(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.NetworkTimeoutSec = 1
	cfg.MaxRetry = 0
	r := testRegistry(t, cfg)
	h, tr := testOpen(t, r, "dev1")
	tr.Hold(true)
	require.NoError(t, r.Send(h, exampleRealtimes("dev1")))
	require.Eventually(t, func() bool { return tr.Attempts(1) == 1 }, waitFor, tick)
	tbegin := time.Now()
	assert.False(t, r.Close(h))
	assert.GreaterOrEqual(t, int64(time.Since(tbegin)), int64(cfg.CloseTimeout()))
	assert.Equal(t, 0, r.Count())
}

func TestSnapshotCloseAll(t *testing.T) {
	t.Parallel()

	r := testRegistry(t, nil)
	for _, id := range []string{"c", "a", "b"} {
		testOpen(t, r, id)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, snap[i].DeviceID)
		assert.Equal(t, iot.StatusOpened, snap[i].Connection)
	}
	assert.True(t, r.CloseAll())
	assert.Equal(t, 0, r.Count())
	assert.Len(t, r.Snapshot(), 0)
}
