package iot

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

const ProtocolMock Protocol = "mock"

var ErrMockClosed = errors.New("mock transport closed")

// MockTransport is loopback transport for tests and offline runs.
// Without Fail hook every send is acknowledged.
type MockTransport struct {
	// Fail decides outcome of send attempt, attempt counts from 1 per message id.
	Fail    func(msg *Message, attempt int) error
	OpenErr error
	// Sent receives copy of every attempted payload, when not nil. Never blocks.
	Sent chan []byte

	mu       sync.Mutex
	deviceID string
	handlers TransportHandlers
	attempts map[uint64]int
	hold     bool
	pending  []heldDone
	opened   bool
	closed   bool
}

var _ Transport = (*MockTransport)(nil)

type heldDone struct {
	done func(error)
	err  error
}

func NewMockTransport(sentBuffer int) *MockTransport {
	return &MockTransport{
		Sent:     make(chan []byte, sentBuffer),
		attempts: make(map[uint64]int),
	}
}

func (m *MockTransport) Open(ctx context.Context, deviceID string, h TransportHandlers) error {
	if m.OpenErr != nil {
		return m.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts == nil {
		m.attempts = make(map[uint64]int)
	}
	m.deviceID = deviceID
	m.handlers = h
	m.opened = true
	return nil
}

func (m *MockTransport) SendAsync(msg *Message, done func(error)) {
	m.mu.Lock()
	var err error
	if m.closed {
		err = ErrMockClosed
	} else {
		m.attempts[msg.ID]++
		if m.Fail != nil {
			err = m.Fail(msg, m.attempts[msg.ID])
		}
		if m.Sent != nil {
			select {
			case m.Sent <- CopyBytes(msg.Payload):
			default:
			}
		}
	}
	if m.hold && err != ErrMockClosed {
		m.pending = append(m.pending, heldDone{done, err})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	done(err)
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, h := range pending {
		h.done(ErrMockClosed)
	}
	return nil
}

// Hold delays completion of sends until Release.
func (m *MockTransport) Hold(hold bool) {
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
}

// Release completes held sends, returns their number.
func (m *MockTransport) Release() int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, h := range pending {
		h.done(h.err)
	}
	return len(pending)
}

func (m *MockTransport) Attempts(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

// Receive delivers cloud-to-device payload as if it came from network.
func (m *MockTransport) Receive(payload []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers, m.opened && !m.closed
	m.mu.Unlock()
	if ok && h.OnMessage != nil {
		h.OnMessage(payload)
	}
	return ok
}

func (m *MockTransport) SetConnection(up bool) {
	m.mu.Lock()
	h := m.handlers
	m.mu.Unlock()
	if h.OnConnection != nil {
		h.OnConnection(up)
	}
}

func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
