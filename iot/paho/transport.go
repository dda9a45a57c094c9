// Package paho is alternative MQTT transport on Eclipse Paho client,
// for brokers where its automatic reconnect and routing are preferred.
package paho

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
	"github.com/temoto/iotdevice/log2"
)

const disconnectQuiesceMs = 250

var ErrClosed = errors.New("paho transport closed")

var setLoggersOnce sync.Once

type Transport struct {
	cfg *config.Config
	log *log2.Log
	// replaced in tests
	newClient func(*mqtt.ClientOptions) mqtt.Client

	alive    *alive.Alive
	client   mqtt.Client
	handlers iot.TransportHandlers
	topicCmd string
}

var _ iot.Transport = (*Transport)(nil)

func NewTransport(cfg *config.Config, log *log2.Log) *Transport {
	setLoggersOnce.Do(func() {
		mqtt.ERROR = log
		mqtt.CRITICAL = log
		mqtt.WARN = log
		if cfg.Transport.LogDebug {
			mqtt.DEBUG = log
		}
	})
	return &Transport{
		cfg:       cfg,
		log:       log,
		newClient: mqtt.NewClient,
		alive:     alive.NewAlive(),
	}
}

func (t *Transport) Open(ctx context.Context, deviceID string, h iot.TransportHandlers) error {
	tc := &t.cfg.Transport
	tlsconf, err := tc.TLSConfig()
	if err != nil {
		return err
	}
	t.handlers = h
	t.topicCmd = iot.CommandTopicFilter(deviceID)
	mopt := mqtt.NewClientOptions().
		AddBroker(tc.Broker).
		SetClientID(deviceID).
		SetUsername(tc.Username).
		SetPassword(tc.Password).
		SetCleanSession(true).
		SetKeepAlive(tc.Keepalive()).
		SetPingTimeout(t.cfg.NetworkTimeout()).
		SetConnectTimeout(t.cfg.NetworkTimeout()).
		SetWriteTimeout(t.cfg.NetworkTimeout()).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(tc.ReconnectDelay()).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)
	if tlsconf != nil {
		mopt.SetTLSConfig(tlsconf)
	}
	t.client = t.newClient(mopt)

	tok := t.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.Annotatef(err, "paho connect broker=%s", tc.Broker)
		}
		return nil
	case <-ctx.Done():
		t.client.Disconnect(0)
		return errors.Annotatef(ctx.Err(), "paho connect broker=%s", tc.Broker)
	}
}

func (t *Transport) SendAsync(msg *iot.Message, done func(error)) {
	if !t.alive.Add(1) {
		done(ErrClosed)
		return
	}
	topic := iot.EventTopic(msg.DeviceID, msg.DataType, msg.ID)
	tok := t.client.Publish(topic, 1, false, iot.CopyBytes(msg.Payload))
	go func() {
		defer t.alive.Done()
		done(t.wait(tok, "publish "+topic))
	}()
}

func (t *Transport) Close() error {
	t.alive.Stop()
	t.alive.Wait()
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

func (t *Transport) wait(tok mqtt.Token, what string) error {
	timer := time.NewTimer(t.cfg.NetworkTimeout())
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.Annotatef(err, "paho %s", what)
		}
		return nil
	case <-timer.C:
		return errors.Timeoutf("paho %s", what)
	case <-t.alive.StopChan():
		return errors.Annotatef(ErrClosed, "paho %s", what)
	}
}

func (t *Transport) onConnect(c mqtt.Client) {
	t.log.Debugf("paho connected")
	tok := c.Subscribe(t.topicCmd, 1, t.onMessage)
	if err := t.wait(tok, "subscribe "+t.topicCmd); err != nil {
		t.log.Error(err)
		return
	}
	if t.handlers.OnConnection != nil {
		t.handlers.OnConnection(true)
	}
}

func (t *Transport) onConnectionLost(c mqtt.Client, err error) {
	t.log.Debugf("paho connection lost err=%v", err)
	if t.handlers.OnConnection != nil {
		t.handlers.OnConnection(false)
	}
}

func (t *Transport) onMessage(c mqtt.Client, msg mqtt.Message) {
	if t.handlers.OnMessage != nil {
		t.handlers.OnMessage(iot.CopyBytes(msg.Payload()))
	}
	msg.Ack()
}
