package paho

import (
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type mqttMock struct {
	sync.Mutex
	Opt *mqtt.ClientOptions
	Pub chan mockMsg
	// PublishErr decides token result, nil = acknowledged
	PublishErr func(topic string) error
	// Stuck keeps publish tokens incomplete
	Stuck     bool
	subs      []mockSub
	connected bool
}

type mockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func newMqttMock() *mqttMock {
	return &mqttMock{Pub: make(chan mockMsg, 32)}
}

func (m *mqttMock) newClient(opt *mqtt.ClientOptions) mqtt.Client {
	m.Opt = opt
	return m
}

// deliver plays inbound message to matching subscription, false if nobody subscribed.
func (m *mqttMock) deliver(t testing.TB, topic string, payload []byte) bool {
	m.Lock()
	subs := append([]mockSub(nil), m.subs...)
	m.Unlock()
	for _, sub := range subs {
		if topicMatch(sub.Pattern, topic) {
			msg := mockMsg{T: topic, P: payload, acked: make(chan struct{})}
			sub.Handler(m, msg)
			select {
			case <-msg.acked:
			default:
				t.Errorf("message=%q handled without Ack()", string(payload))
			}
			return true
		}
	}
	return false
}

func (m *mqttMock) loseConnection() {
	m.Lock()
	m.connected = false
	m.Unlock()
	m.Opt.OnConnectionLost(m, errTestLost)
}

func topicMatch(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "/#") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "#"))
	}
	return pattern == topic
}

func (m *mqttMock) Disconnect(uint) {
	m.Lock()
	m.connected = false
	m.Unlock()
}

func (m *mqttMock) IsConnected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}
func (m *mqttMock) IsConnectionOpen() bool { return m.IsConnected() }

func (m *mqttMock) Connect() mqtt.Token {
	m.Lock()
	m.connected = true
	m.Unlock()
	go m.Opt.OnConnect(m)
	return doneToken(nil)
}

func (m *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	m.Lock()
	stuck, fail := m.Stuck, m.PublishErr
	m.Unlock()
	m.Pub <- mockMsg{T: topic, P: payload.([]byte)}
	if stuck {
		return &mockToken{done: make(chan struct{})}
	}
	var err error
	if fail != nil {
		err = fail(topic)
	}
	return doneToken(err)
}

func (m *mqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	m.Lock()
	m.subs = append(m.subs, mockSub{pattern, qos, handler})
	m.Unlock()
	return doneToken(nil)
}

func (m *mqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (m *mqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (m *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (m *mqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *mockToken {
	tok := &mockToken{err: err, done: make(chan struct{})}
	close(tok.done)
	return tok
}

func (tok *mockToken) Error() error { return tok.err }
func (tok *mockToken) Wait() bool {
	<-tok.done
	return true
}
func (tok *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-tok.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (tok *mockToken) Done() <-chan struct{} { return tok.done }

type mockMsg struct {
	T     string
	P     []byte
	acked chan struct{}
}

func (msg mockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg mockMsg) Duplicate() bool   { return false }
func (msg mockMsg) MessageID() uint16 { return 0 }
func (msg mockMsg) Payload() []byte   { return msg.P }
func (msg mockMsg) Qos() byte         { return 1 }
func (msg mockMsg) Retained() bool    { return false }
func (msg mockMsg) Topic() string     { return msg.T }
