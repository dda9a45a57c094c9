package device

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotdevice/helpers"
	"github.com/temoto/iotdevice/helpers/atomic_clock"
	"github.com/temoto/iotdevice/internal/codec"
	"github.com/temoto/iotdevice/internal/deadletter"
	"github.com/temoto/iotdevice/internal/persist"
	"github.com/temoto/iotdevice/internal/pool"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

type eventKind uint8

const (
	evSubmit eventKind = iota + 1
	evResubmit
	evDone
	evInbound
	evReconfigure
)

type event struct {
	kind    eventKind
	slot    *pool.Slot
	msg     *iot.Message
	err     error
	payload []byte
}

// session serves one device connection.
// Only run() goroutine calls transport SendAsync, pool state transitions
// after Reserve and user callbacks.
type session struct {
	handle    Handle
	reg       *Registry
	cfg       *config.Config
	log       *log2.Log
	transport iot.Transport
	pool      pool.Pool
	seq       *persist.Sequence
	backoff   *helpers.Backoff
	// tracks Send calls in progress, stopped on close
	alive     *alive.Alive
	stopLoop  chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeOK   bool

	connection int32 // iot.ConnectionStatus
	outbound   int64
	confirmed  int64
	inbound    int64
	dropped    int64
	lastError  int32 // iot.ErrorCode

	mu            sync.Mutex
	events        []event
	c2d           CloudToDeviceFunc
	timerFn       TimerFunc
	timerInterval time.Duration
	lastTimer     atomic_clock.Clock
	kick          chan struct{}
}

func openSession(ctx context.Context, r *Registry, h Handle, t iot.Transport) (*session, error) {
	s := &session{
		handle:    h,
		reg:       r,
		cfg:       r.cfg,
		log:       r.log.Prefixed(fmt.Sprintf("device=%s ", h.deviceID)),
		transport: t,
		backoff:   helpers.NewBackoff(r.cfg.RetryDelay(), r.cfg.MaxRetry),
		alive:     alive.NewAlive(),
		stopLoop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}
	atomic.StoreInt32(&s.connection, int32(iot.StatusUnknown))

	var err error
	if s.seq, err = persist.NewSequence(r.cfg.PersistRoot, h.deviceID, s.log); err != nil {
		return nil, errors.Annotate(iot.ErrInvalidArgument, err.Error())
	}
	firstID, err := s.seq.Load()
	if err != nil {
		// telemetry must flow without persistent storage
		s.log.Errorf("message id sequence load, ids restart from 0 err=%v", errors.ErrorStack(err))
		firstID = 0
	}
	if s.pool, err = pool.New(s.cfg, firstID); err != nil {
		return nil, err
	}

	handlers := iot.TransportHandlers{
		OnMessage:    s.onMessage,
		OnConnection: s.onConnection,
	}
	if err = t.Open(ctx, h.deviceID, handlers); err != nil {
		return nil, errors.Annotatef(iot.ErrConnectionFailed, "transport err=%v", err)
	}
	atomic.StoreInt32(&s.connection, int32(iot.StatusOpened))
	go s.run()
	return s, nil
}

func (s *session) status() iot.Status {
	return iot.Status{
		DeviceID:    s.handle.deviceID,
		Connection:  iot.ConnectionStatus(atomic.LoadInt32(&s.connection)),
		Outbound:    atomic.LoadInt64(&s.outbound),
		Confirmed:   atomic.LoadInt64(&s.confirmed),
		Inbound:     atomic.LoadInt64(&s.inbound),
		LastError:   iot.ErrorCode(atomic.LoadInt32(&s.lastError)),
		Unconfirmed: s.pool.Unconfirmed(),
		Dropped:     atomic.LoadInt64(&s.dropped),
	}
}

func (s *session) setConnection(new iot.ConnectionStatus) {
	atomic.StoreInt32(&s.connection, int32(new))
}

func (s *session) send(rec iot.Record) error {
	if rec == nil {
		return errors.Annotate(iot.ErrInvalidArgument, "send record=nil")
	}
	if v := reflect.ValueOf(rec); v.Kind() == reflect.Ptr && v.IsNil() {
		return errors.Annotatef(iot.ErrInvalidArgument, "send record=(%T)(nil)", rec)
	}
	id := rec.RecordDeviceID()
	if id == "" {
		return errors.Annotatef(iot.ErrInvalidArgument, "send %s deviceID=empty", rec.DataType())
	}
	if lim := s.cfg.Limits.MaxDeviceIDLen; lim > 0 && len(id) > lim {
		return errors.Annotatef(iot.ErrInvalidArgument, "send %s deviceID length=%d limit=%d", rec.DataType(), len(id), lim)
	}
	if !s.alive.Add(1) {
		return errors.Annotatef(iot.ErrInvalidHandle, "send handle=%s closing", s.handle.String())
	}
	defer s.alive.Done()

	slot, err := s.pool.Reserve(func(w io.Writer) error { return codec.Encode(w, rec) })
	if err != nil {
		return errors.Annotatef(err, "send %s", rec.DataType())
	}
	if err := s.seq.Observe(slot.ID()); err != nil {
		s.log.Errorf("message id sequence err=%v", err)
	}
	msg := &iot.Message{
		ID:       slot.ID(),
		DeviceID: s.handle.deviceID,
		DataType: rec.DataType(),
		Payload:  slot.Bytes(),
	}
	s.enqueue(event{kind: evSubmit, slot: slot, msg: msg})
	return nil
}

func (s *session) enqueue(e event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *session) takeEvents(buf []event) []event {
	s.mu.Lock()
	buf = append(buf[:0], s.events...)
	for i := range s.events {
		s.events[i] = event{}
	}
	s.events = s.events[:0]
	s.mu.Unlock()
	return buf
}

func (s *session) onMessage(payload []byte) {
	atomic.AddInt64(&s.inbound, 1)
	if !s.alive.IsRunning() {
		s.log.Debugf("inbound dropped, closing")
		return
	}
	s.enqueue(event{kind: evInbound, payload: iot.CopyBytes(payload)})
}

func (s *session) onConnection(up bool) {
	if up {
		if atomic.CompareAndSwapInt32(&s.connection, int32(iot.StatusOther), int32(iot.StatusOpened)) {
			s.log.Infof("connection restored")
		}
		return
	}
	if atomic.CompareAndSwapInt32(&s.connection, int32(iot.StatusOpened), int32(iot.StatusOther)) {
		s.log.Infof("connection lost")
	}
}

func (s *session) setCloudToDevice(cb CloudToDeviceFunc) error {
	if cb == nil {
		return errors.Annotate(iot.ErrInvalidArgument, "cloud-to-device callback=nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c2d != nil {
		return errors.Annotate(iot.ErrInvalidArgument, "cloud-to-device callback already registered")
	}
	s.c2d = cb
	return nil
}

func (s *session) clearCloudToDevice() {
	s.mu.Lock()
	s.c2d = nil
	s.mu.Unlock()
}

func (s *session) setTimer(interval time.Duration, cb TimerFunc) error {
	if cb == nil {
		return errors.Annotate(iot.ErrInvalidArgument, "timer callback=nil")
	}
	s.mu.Lock()
	if s.timerFn != nil {
		s.mu.Unlock()
		return errors.Annotate(iot.ErrInvalidArgument, "timer callback already registered")
	}
	s.timerFn = cb
	s.timerInterval = interval
	s.lastTimer.SetNow()
	s.mu.Unlock()
	s.enqueue(event{kind: evReconfigure})
	return nil
}

func (s *session) clearTimer() {
	s.mu.Lock()
	s.timerFn = nil
	s.mu.Unlock()
	s.enqueue(event{kind: evReconfigure})
}

func (s *session) timerConfig() (TimerFunc, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerFn, s.timerInterval
}

func (s *session) run() {
	defer close(s.loopDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var timerC <-chan time.Time
	armTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerC = nil
		fn, interval := s.timerConfig()
		if fn == nil || !s.alive.IsRunning() {
			return
		}
		d := time.Until(s.lastTimer.Time().Add(interval))
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		timerC = timer.C
	}

	stopCh := s.stopLoop
	var drain *time.Timer
	var drainC <-chan time.Time
	defer func() {
		if drain != nil {
			drain.Stop()
		}
	}()
	var events []event
	for {
		select {
		case <-s.kick:
			events = s.takeEvents(events)
			for _, e := range events {
				if e.kind == evReconfigure {
					armTimer()
					continue
				}
				s.handleEvent(e)
			}

		case <-timerC:
			timerC = nil
			if fn, _ := s.timerConfig(); fn != nil {
				fn(s.handle)
				s.lastTimer.SetNow()
			}
			armTimer()

		case <-stopCh:
			stopCh = nil
			armTimer()
			drain = time.NewTimer(s.cfg.CloseTimeout())
			drainC = drain.C
			s.log.Debugf("closing unconfirmed=%d", s.pool.Unconfirmed())

		case <-drainC:
			s.log.Errorf("close deadline=%v abandoned unconfirmed=%d", s.cfg.CloseTimeout(), s.pool.Unconfirmed())
			return
		}

		if stopCh == nil && s.pool.Unconfirmed() == 0 && s.queueEmpty() {
			return
		}
	}
}

func (s *session) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events) == 0
}

func (s *session) handleEvent(e event) {
	switch e.kind {
	case evSubmit:
		atomic.AddInt64(&s.outbound, 1)
		s.submit(e.slot, e.msg)
	case evResubmit:
		s.submit(e.slot, e.msg)
	case evDone:
		s.complete(e.slot, e.msg, e.err)
	case evInbound:
		s.dispatch(e.payload)
	default:
		panic(fmt.Sprintf("code error session event kind=%d", e.kind))
	}
}

func (s *session) submit(slot *pool.Slot, msg *iot.Message) {
	if err := s.pool.MarkSent(slot); err != nil {
		s.log.Errorf("submit err=%v", err)
		return
	}
	s.transport.SendAsync(msg, func(err error) {
		s.enqueue(event{kind: evDone, slot: slot, msg: msg, err: err})
	})
}

func (s *session) complete(slot *pool.Slot, msg *iot.Message, sendErr error) {
	if sendErr == nil {
		if err := s.pool.MarkConfirmed(slot); err != nil {
			s.log.Errorf("confirm err=%v", err)
			return
		}
		s.shrinkIdle()
		atomic.AddInt64(&s.confirmed, 1)
		s.backoff.Reset()
		return
	}

	s.log.Debugf("message id=%d type=%s attempt=%d err=%v", msg.ID, msg.DataType, slot.Retries()+1, sendErr)
	var lost []byte
	if slot.Retries() >= s.cfg.MaxRetry {
		// slot buffer is reused after terminal MarkFailed
		lost = iot.CopyBytes(slot.Bytes())
	}
	retry, err := s.pool.MarkFailed(slot)
	if retry {
		s.backoff.Failure()
		delay := s.backoff.DelayBefore()
		if delay <= 0 {
			s.submit(slot, msg)
			return
		}
		time.AfterFunc(delay, func() {
			s.enqueue(event{kind: evResubmit, slot: slot, msg: msg})
		})
		return
	}
	if iot.CodeOf(err) != iot.ErrSendError {
		s.log.Errorf("fail err=%v", err)
		return
	}
	s.shrinkIdle()

	atomic.StoreInt32(&s.lastError, int32(iot.ErrSendError))
	s.log.Error(errors.Annotatef(err, "last attempt err=%v", sendErr))
	if dl := s.reg.deadLetter; dl != nil {
		entry := &deadletter.Entry{
			DeviceID:  msg.DeviceID,
			MessageID: msg.ID,
			DataType:  msg.DataType,
			Payload:   lost,
			Reason:    sendErr.Error(),
		}
		if err := dl.Push(entry); err != nil {
			s.log.Errorf("CRITICAL message id=%d lost err=%v", msg.ID, err)
		}
	}
}

// shrinkIdle returns grown slot buffers to initial size once nothing is in flight.
func (s *session) shrinkIdle() {
	if s.pool.Unconfirmed() == 0 {
		s.pool.Reset()
	}
}

func (s *session) dispatch(payload []byte) {
	req, err := codec.ParseRequest(payload, s.cfg.Limits)
	if err != nil {
		atomic.AddInt64(&s.dropped, 1)
		s.log.Errorf("inbound dropped err=%v", err)
		return
	}
	if cmd, ok := req.(*iot.DeviceCommand); ok && !codec.ValidateDeviceCommand(cmd, s.cfg.Limits) {
		atomic.AddInt64(&s.dropped, 1)
		s.log.Errorf("inbound dropped invalid command id=%q method=%q", cmd.ID, cmd.Method)
		return
	}
	s.mu.Lock()
	cb := s.c2d
	s.mu.Unlock()
	if cb == nil {
		s.log.Debugf("inbound %s no callback", req.RequestType())
		return
	}
	cb(s.handle, req)
}

func (s *session) close() bool {
	s.closeOnce.Do(func() {
		s.setConnection(iot.StatusClosing)
		// no new sends, wait those in progress, then loop drains the pool
		s.alive.Stop()
		s.alive.Wait()
		close(s.stopLoop)
		<-s.loopDone

		abandoned := s.pool.Unconfirmed()
		if abandoned != 0 {
			atomic.StoreInt32(&s.lastError, int32(iot.ErrSendError))
		}
		if err := s.transport.Close(); err != nil {
			s.log.Errorf("transport close err=%v", err)
		}
		if err := s.seq.Store(s.pool.LastID()); err != nil {
			s.log.Errorf("message id sequence err=%v", err)
		}
		s.setConnection(iot.StatusClosed)
		s.reg.remove(s)
		s.closeOK = abandoned == 0
		s.log.Debugf("closed abandoned=%d", abandoned)
	})
	return s.closeOK
}
