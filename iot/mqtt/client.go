// Package mqtt is MQTT 3.1.1 device transport on top of gomqtt packet codec.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotdevice/helpers"
	"github.com/temoto/iotdevice/helpers/atomic_clock"
	"github.com/temoto/iotdevice/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

// reconnect delay doubles up to 2^maxReconnectSteps * ReconnectDelay
const maxReconnectSteps = 5

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	// OnConnection reports connected and subscribed (true) or connection lost (false).
	OnConnection func(up bool)
	Log          *log2.Log

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
}

// Device side MQTT client.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only, subscribe after every connect
// - Reconnect with growing delay until Close()
// - QOS 0,1
// - Serialized Publish, at most one PUBLISH waits for PUBACK
// - Publish while offline waits for connection within ctx
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
	backoff *helpers.Backoff

	flowPublish struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.OnConnection == nil {
		opt.OnConnection = func(bool) {}
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:   alive.NewAlive(),
		lastID:  uint32(time.Now().UnixNano()),
		opt:     opt,
		backoff: helpers.NewBackoff(opt.ReconnectDelay, maxReconnectSteps),
	}
	c.opt.onpacket = c.onPacket
	_ = c.clientConn(true)

	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	if err == client.ErrClientNotConnected {
		err = nil
	}
	c.alive.Stop()
	c.alive.Wait()
	c.flowPublish.Lock()
	if fu := c.flowPublish.fu; fu != nil {
		fu.Cancel(ErrClientClosing)
	}
	c.flowPublish.Unlock()
	return err
}

func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		_ = cc.die(err)
	}
	return err
}

// Publish returns after PUBACK for QOS 1, after write for QOS 0.
// PUBACK timeout drops connection, caller decides whether to publish again.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("mqtt publish QOS=%d", msg.QOS)
	}

	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	fu, err := c.publishBegin(ctx, msg)
	if err != nil {
		return err
	}
	c.flowPublish.Unlock()
	err = fu.Wait(c.opt.NetworkTimeout)
	c.flowPublish.Lock()
	c.flowPublish.fu = nil

	switch err {
	case nil:
		return nil

	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return e
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf("mqtt PUBACK")
		fu.Cancel(err)
		return c.disconnect(err)

	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

// Returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, wait for next
			select {
			case <-stopch:
				return ErrClientClosing
			default:
			}
		}
	}
}

// IsReady reports connected and subscribed state without waiting.
func (c *Client) IsReady() bool {
	cc := c.clientConn(false)
	return cc != nil && atomic.LoadUint32(&cc.up) == 1
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = &packet.Subscribe{
				ID:            c.nextID(),
				Subscriptions: c.opt.Subscriptions,
			}
		}
		c.current = newClientConn(c.opt, subpkt)
	}
	return c.current
}

func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

// flowPublish lock must be held
func (c *Client) publishBegin(ctx context.Context, msg *packet.Message) (*future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	fu := future.New()
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
		c.flowPublish.fu = fu
		c.flowPublish.id = publish.ID
	}

	if err := c.send(publish); err != nil {
		c.flowPublish.fu = nil
		return nil, errors.Annotate(err, "send PUBLISH")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return fu, nil
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		// packet id 0 is invalid
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(conn *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	default:
		c.opt.Log.Debugf("mqtt unexpected packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = c.disconnect(errors.NotSupportedf("mqtt inbound QOS=2 topic=%s", publish.Message.Topic))
		return
	}
	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("mqtt onMessage topic=%s payload=%x err=%v", publish.Message.Topic, publish.Message.Payload, err)
		_ = c.disconnect(err)
		return
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := c.send(puback); err != nil {
			_ = c.disconnect(err)
		}
	}
}

// onPuback runs on reader goroutine while Publish may hold flowPublish lock
// only outside of fu.Wait, so this does not block for long.
func (c *Client) onPuback(id packet.ID) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu == nil {
		c.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", id)
		return
	}
	if c.flowPublish.id != id {
		// given serialized publish flow, PUBACK for unexpected id is severe error
		err := errors.Errorf("mqtt PUBACK id=%d expected=%d", id, c.flowPublish.id)
		c.flowPublish.fu.Cancel(err)
		go c.disconnect(err)
		return
	}
	c.flowPublish.fu.Complete(id)
}

func (c *Client) send(pkt packet.Generic) error {
	if cc := c.clientConn(false); cc != nil {
		return cc.send(pkt)
	}
	return client.ErrClientNotConnected
}

func (c *Client) worker() {
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}

		delay := c.backoff.DelayAfter(atomic.LoadUint32(&cc.wasUp) == 1)
		c.opt.Log.Debugf("mqtt reconnect delay=%v", delay)
		select {
		case <-time.After(delay):

		case <-stopch:
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// - observe connected and subscribed events via futures
// - state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe once right after connect
type clientConn struct {
	alive  *alive.Alive
	closed uint32
	// connected and subscribed, cleared on die
	up uint32
	// was up at least once
	wasUp  uint32
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	opt    ClientOptions
	pingat atomic_clock.Clock // last outgoing control packet
	pongat atomic_clock.Clock // last incoming control packet
	subfu  *future.Future
	subpkt *packet.Subscribe
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		confu:  future.New(),
		opt:    opt,
		subfu:  future.New(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	if atomic.CompareAndSwapUint32(&cc.up, 1, 0) {
		cc.opt.Log.Debugf("mqtt connection lost err=%v", e)
		cc.opt.OnConnection(false)
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "mqtt connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "mqtt connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			_ = cc.die(errors.Annotatef(client.ErrClientExpectedConnack, "mqtt connect: server error pkt=%s", PacketString(pkt)))
			return
		}
		cc.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		window := atomic_clock.Since(&cc.pingat)
		sincePong := atomic_clock.Since(&cc.pongat)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF:
			cc.opt.Log.Errorf("mqtt server closed connection")
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		cc.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("mqtt server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.pongat.SetNow()
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return cc.die(errors.Annotatef(err, "mqtt send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt != nil {
		if err := cc.send(cc.subpkt); err != nil {
			return
		}
		switch cc.subfu.Wait(cc.opt.NetworkTimeout) {
		case nil: // success path
		case future.ErrTimeout:
			_ = cc.die(errors.Timeoutf("mqtt subscribe"))
			return
		default:
			return
		}
	} else {
		cc.subfu.Complete(true)
	}

	if cc.alive.IsRunning() && atomic.CompareAndSwapUint32(&cc.up, 0, 1) {
		atomic.StoreUint32(&cc.wasUp, 1)
		cc.opt.Log.Debugf("mqtt ready")
		cc.opt.OnConnection(true)
	}
}

// Returns, in this order:
// - ErrClientClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}

	pollInterval := 100 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		if atomic.LoadUint32(&cc.up) == 1 {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
