// Package amqp is AMQP 0-9-1 transport with publisher confirms.
// Outbound messages go to topic exchange with device id routing key,
// cloud-to-device messages are consumed from queue <queue_prefix><device id>.
package amqp

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

const (
	DefaultExchange    = "iotdevice"
	DefaultQueuePrefix = "devicebound."
	ContentType        = "application/json"
)

var ErrClosed = errors.New("amqp transport closed")

type Transport struct {
	cfg *config.Config
	log *log2.Log

	alive  *alive.Alive
	ctx    context.Context
	cancel context.CancelFunc

	exchange string
	deviceID string
	handlers iot.TransportHandlers

	mu   sync.Mutex // serializes channel publish
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ iot.Transport = (*Transport)(nil)

func NewTransport(cfg *config.Config, log *log2.Log) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		log:      log,
		alive:    alive.NewAlive(),
		ctx:      ctx,
		cancel:   cancel,
		exchange: defaultString(cfg.Transport.Exchange, DefaultExchange),
	}
}

func QueueName(prefix, deviceID string) string {
	return defaultString(prefix, DefaultQueuePrefix) + deviceID
}

func (t *Transport) Open(ctx context.Context, deviceID string, h iot.TransportHandlers) error {
	tc := &t.cfg.Transport
	tlsconf, err := tc.TLSConfig()
	if err != nil {
		return err
	}
	t.deviceID = deviceID
	t.handlers = h

	conn, err := amqp.DialConfig(tc.Broker, amqp.Config{
		TLSClientConfig: tlsconf,
		Heartbeat:       tc.Keepalive(),
		Dial:            amqp.DefaultDial(t.cfg.NetworkTimeout()),
		Properties:      amqp.Table{"connection_name": deviceID},
	})
	if err != nil {
		return errors.Annotatef(err, "amqp dial broker=%s", tc.Broker)
	}
	if err = ctx.Err(); err != nil {
		_ = conn.Close()
		return errors.Annotate(err, "amqp open")
	}
	ch, deliveries, err := t.setup(conn)
	if err != nil {
		_ = conn.Close()
		return errors.Annotatef(err, "amqp setup broker=%s", tc.Broker)
	}
	t.mu.Lock()
	t.conn, t.ch = conn, ch
	t.mu.Unlock()

	closech := conn.NotifyClose(make(chan *amqp.Error, 1))
	t.alive.Add(2)
	go t.consumer(deliveries)
	go t.watch(closech)
	if h.OnConnection != nil {
		h.OnConnection(true)
	}
	return nil
}

func (t *Transport) setup(conn *amqp.Connection) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, errors.Annotate(err, "channel")
	}
	if err = ch.Confirm(false); err != nil {
		return nil, nil, errors.Annotate(err, "confirm mode")
	}
	if err = ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, nil, errors.Annotatef(err, "exchange=%s", t.exchange)
	}
	queue := QueueName(t.cfg.Transport.QueuePrefix, t.deviceID)
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, errors.Annotatef(err, "queue=%s", queue)
	}
	deliveries, err := ch.Consume(queue, t.deviceID, false, true, false, false, nil)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "consume queue=%s", queue)
	}
	return ch, deliveries, nil
}

func (t *Transport) SendAsync(msg *iot.Message, done func(error)) {
	if !t.alive.Add(1) {
		done(ErrClosed)
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.NetworkTimeout())
	t.mu.Lock()
	var dc *amqp.DeferredConfirmation
	err := ErrClosed
	if t.ch != nil {
		dc, err = t.ch.PublishWithDeferredConfirmWithContext(ctx, t.exchange, msg.DeviceID, false, false, publishing(msg))
	}
	t.mu.Unlock()
	if err != nil {
		cancel()
		t.alive.Done()
		done(errors.Annotatef(err, "amqp publish mid=%d", msg.ID))
		return
	}
	go func() {
		defer t.alive.Done()
		defer cancel()
		done(confirmResult(ctx, dc, msg.ID))
	}()
}

func (t *Transport) Close() error {
	t.alive.Stop()
	t.cancel()
	t.mu.Lock()
	ch, conn := t.ch, t.conn
	t.mu.Unlock()
	var err error
	if ch != nil {
		err = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		if e := conn.Close(); err == nil {
			err = e
		}
	}
	t.alive.Wait()
	if err == amqp.ErrClosed {
		err = nil
	}
	return err
}

func (t *Transport) consumer(deliveries <-chan amqp.Delivery) {
	defer t.alive.Done()
	for d := range deliveries {
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(iot.CopyBytes(d.Body))
		}
		if err := d.Ack(false); err != nil {
			t.log.Errorf("amqp ack tag=%d err=%v", d.DeliveryTag, err)
		}
	}
}

func (t *Transport) watch(closech <-chan *amqp.Error) {
	defer t.alive.Done()
	select {
	case e, ok := <-closech:
		if !ok || e == nil {
			return
		}
		t.log.Errorf("amqp connection lost device=%s err=%v", t.deviceID, e)
		if t.handlers.OnConnection != nil {
			t.handlers.OnConnection(false)
		}
	case <-t.alive.StopChan():
	}
}

func confirmResult(ctx context.Context, dc *amqp.DeferredConfirmation, id uint64) error {
	acked, err := dc.WaitContext(ctx)
	switch {
	case err == context.DeadlineExceeded:
		return errors.Timeoutf("amqp confirm mid=%d", id)
	case err != nil:
		return errors.Annotatef(err, "amqp confirm mid=%d", id)
	case !acked:
		return errors.Errorf("amqp nack mid=%d tag=%d", id, dc.DeliveryTag)
	}
	return nil
}

func publishing(msg *iot.Message) amqp.Publishing {
	return amqp.Publishing{
		Headers:      amqp.Table{"a": msg.DataType},
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatUint(msg.ID, 10),
		Timestamp:    time.Now(),
		Type:         msg.DataType,
		Body:         iot.CopyBytes(msg.Payload),
	}
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}
