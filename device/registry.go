// Package device is the message pump: registry of device connections,
// each served by one session goroutine which owns transport sends and user callbacks.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotdevice/internal/deadletter"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

// Handle identifies one open connection. Zero value is never valid.
// Handle of closed connection stays invalid even if same device id is opened again.
type Handle struct {
	deviceID string
	gen      uint64
}

func (h Handle) DeviceID() string { return h.deviceID }
func (h Handle) IsZero() bool     { return h.gen == 0 }
func (h Handle) String() string   { return fmt.Sprintf("%s#%d", h.deviceID, h.gen) }

// CloudToDeviceFunc receives parsed requests. Called from session goroutine only.
type CloudToDeviceFunc func(h Handle, req iot.Request)

// TimerFunc is called from session goroutine only.
type TimerFunc func(h Handle)

type Option func(*Registry)

// WithDeadLetter stores terminally failed messages.
func WithDeadLetter(store *deadletter.Store) Option {
	return func(r *Registry) { r.deadLetter = store }
}

type Registry struct {
	cfg        *config.Config
	log        *log2.Log
	deadLetter *deadletter.Store

	mu       sync.Mutex
	sessions map[string]*session
	// device ids with Open in progress
	opening map[string]struct{}
	lastGen uint64
}

// NewRegistry expects validated config, see config.ReadConfig.
// Config is shared by all sessions and must not be modified later.
func NewRegistry(cfg *config.Config, log *log2.Log, opts ...Option) *Registry {
	if cfg == nil {
		panic("code error device.NewRegistry cfg=nil")
	}
	r := &Registry{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
		opening:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open connects transport and starts session goroutine.
func (r *Registry) Open(ctx context.Context, opt iot.Options) (Handle, error) {
	if opt.DeviceID == "" {
		return Handle{}, errors.Annotate(iot.ErrInvalidArgument, "open deviceID=empty")
	}
	if lim := r.cfg.Limits.MaxDeviceIDLen; lim > 0 && len(opt.DeviceID) > lim {
		return Handle{}, errors.Annotatef(iot.ErrInvalidArgument, "open deviceID length=%d limit=%d", len(opt.DeviceID), lim)
	}
	if opt.Transport == nil {
		return Handle{}, errors.Annotatef(iot.ErrInvalidArgument, "open device=%s transport=nil", opt.DeviceID)
	}

	r.mu.Lock()
	_, isOpen := r.sessions[opt.DeviceID]
	_, isOpening := r.opening[opt.DeviceID]
	if isOpen || isOpening {
		r.mu.Unlock()
		return Handle{}, errors.Annotatef(iot.ErrDuplicateConnection, "open device=%s", opt.DeviceID)
	}
	r.lastGen++
	h := Handle{deviceID: opt.DeviceID, gen: r.lastGen}
	r.opening[opt.DeviceID] = struct{}{}
	r.mu.Unlock()

	s, err := openSession(ctx, r, h, opt.Transport)
	r.mu.Lock()
	delete(r.opening, opt.DeviceID)
	if err == nil {
		r.sessions[opt.DeviceID] = s
	}
	r.mu.Unlock()
	if err != nil {
		return Handle{}, errors.Annotatef(err, "open device=%s", opt.DeviceID)
	}
	r.log.Debugf("device=%s opened handle=%s", opt.DeviceID, s.handle.String())
	return s.handle, nil
}

// Close stops accepting sends, waits for unconfirmed messages within drain deadline
// and closes transport. Returns false for invalid handle or when messages were abandoned.
// Must not be called from callbacks of the same handle.
func (r *Registry) Close(h Handle) bool {
	s, err := r.lookup(h)
	if err != nil {
		r.log.Debugf("close %v", err)
		return false
	}
	return s.close()
}

// CloseAll closes every session concurrently and reports whether all drained cleanly.
func (r *Registry) CloseAll() bool {
	list := r.list()
	var wg sync.WaitGroup
	results := make([]bool, len(list))
	wg.Add(len(list))
	for i, s := range list {
		go func(i int, s *session) {
			defer wg.Done()
			results[i] = s.close()
		}(i, s)
	}
	wg.Wait()
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// Status is a non-blocking snapshot.
func (r *Registry) Status(h Handle) (iot.Status, error) {
	s, err := r.lookup(h)
	if err != nil {
		return iot.Status{DeviceID: h.deviceID, Connection: iot.StatusUnknown}, err
	}
	return s.status(), nil
}

// Snapshot of all sessions ordered by device id.
func (r *Registry) Snapshot() []iot.Status {
	list := r.list()
	result := make([]iot.Status, len(list))
	for i, s := range list {
		result[i] = s.status()
	}
	sort.Slice(result, func(a, b int) bool { return result[a].DeviceID < result[b].DeviceID })
	return result
}

func (r *Registry) Exists(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[deviceID]
	r.mu.Unlock()
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return n
}

// Send serializes rec into message slot and queues it for delivery.
// Returns before delivery, result is reflected in Status counters and LastError.
func (r *Registry) Send(h Handle, rec iot.Record) error {
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	return s.send(rec)
}

func (r *Registry) RegisterCloudToDevice(h Handle, cb CloudToDeviceFunc) error {
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	return s.setCloudToDevice(cb)
}

func (r *Registry) UnregisterCloudToDevice(h Handle) error {
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	s.clearCloudToDevice()
	return nil
}

// RegisterTimer calls cb every interval, measured from registration or last call.
// interval=0 selects config timer_interval_sec.
func (r *Registry) RegisterTimer(h Handle, interval time.Duration, cb TimerFunc) error {
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	if interval < 0 {
		return errors.Annotatef(iot.ErrInvalidArgument, "timer interval=%v", interval)
	}
	if interval == 0 {
		interval = r.cfg.TimerInterval()
	}
	return s.setTimer(interval, cb)
}

func (r *Registry) UnregisterTimer(h Handle) error {
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	s.clearTimer()
	return nil
}

func (r *Registry) lookup(h Handle) (*session, error) {
	if h.IsZero() {
		return nil, errors.Annotate(iot.ErrInvalidHandle, "handle=zero")
	}
	r.mu.Lock()
	s, ok := r.sessions[h.deviceID]
	r.mu.Unlock()
	if !ok || s.handle != h {
		return nil, errors.Annotatef(iot.ErrInvalidHandle, "handle=%s", h.String())
	}
	return s, nil
}

func (r *Registry) list() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	return list
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if x, ok := r.sessions[s.handle.deviceID]; ok && x == s {
		delete(r.sessions, s.handle.deviceID)
	}
	r.mu.Unlock()
}
