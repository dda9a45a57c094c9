package mqtt

import (
	"context"
	"sync"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

type publishJob struct {
	msg  *packet.Message
	id   uint64
	done func(error)
}

// Transport publishes one message at a time with QOS 1, PUBACK confirms delivery.
type Transport struct {
	cfg *config.Config
	log *log2.Log

	alive  *alive.Alive
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}

	mu     sync.Mutex
	queue  []publishJob
	closed bool
}

var _ iot.Transport = (*Transport)(nil)

func NewTransport(cfg *config.Config, log *log2.Log) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		log:    log,
		alive:  alive.NewAlive(),
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}
}

func (t *Transport) Open(ctx context.Context, deviceID string, h iot.TransportHandlers) error {
	tc := &t.cfg.Transport
	tlsconf, err := tc.TLSConfig()
	if err != nil {
		return err
	}
	mlog := t.log.Clone(log2.LInfo)
	if tc.LogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	onConnection := h.OnConnection
	if onConnection == nil {
		onConnection = func(bool) {}
	}
	opt := ClientOptions{
		BrokerURL:      tc.Broker,
		TLS:            tlsconf,
		ReconnectDelay: tc.ReconnectDelay(),
		NetworkTimeout: t.cfg.NetworkTimeout(),
		KeepaliveSec:   uint16(tc.Keepalive().Seconds()),
		ClientID:       deviceID,
		Username:       tc.Username,
		Password:       tc.Password,
		Subscriptions: []packet.Subscription{
			{Topic: iot.CommandTopicFilter(deviceID), QOS: packet.QOSAtLeastOnce},
		},
		OnMessage: func(m *packet.Message) error {
			if h.OnMessage != nil {
				h.OnMessage(iot.CopyBytes(m.Payload))
			}
			return nil
		},
		OnConnection: onConnection,
		Log:          mlog,
	}
	c, err := NewClient(opt)
	if err != nil {
		return errors.Annotate(err, "mqtt transport")
	}
	if err = c.WaitReady(ctx); err != nil {
		_ = c.Close()
		return errors.Annotatef(err, "mqtt transport broker=%s", tc.Broker)
	}
	t.client = c
	t.alive.Add(1)
	go t.worker()
	return nil
}

func (t *Transport) SendAsync(msg *iot.Message, done func(error)) {
	job := publishJob{
		msg: &packet.Message{
			Topic:   iot.EventTopic(msg.DeviceID, msg.DataType, msg.ID),
			Payload: iot.CopyBytes(msg.Payload),
			QOS:     packet.QOSAtLeastOnce,
		},
		id:   msg.ID,
		done: done,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		done(ErrClientClosing)
		return
	}
	t.queue = append(t.queue, job)
	t.mu.Unlock()
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.alive.Stop()
	t.cancel()
	var err error
	if t.client != nil {
		err = t.client.Close()
	}
	t.alive.Wait()

	t.mu.Lock()
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()
	for _, job := range queue {
		job.done(ErrClientClosing)
	}
	if err == ErrClientClosing {
		err = nil
	}
	return err
}

func (t *Transport) pop() (publishJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return publishJob{}, false
	}
	job := t.queue[0]
	t.queue[0] = publishJob{}
	t.queue = t.queue[1:]
	return job, true
}

func (t *Transport) worker() {
	defer t.alive.Done()
	stopch := t.alive.StopChan()
	for {
		job, ok := t.pop()
		if !ok {
			select {
			case <-t.kick:
				continue
			case <-stopch:
				return
			}
		}
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.NetworkTimeout())
		err := t.client.Publish(ctx, job.msg)
		cancel()
		if err != nil {
			err = errors.Annotatef(err, "mqtt publish mid=%d", job.id)
			t.log.Debug(err)
		}
		job.done(err)
	}
}
