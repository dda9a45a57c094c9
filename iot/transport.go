package iot

import "context"

// Transport contract:
// - Open fails only when connection could not be established or config is invalid
// - SendAsync never blocks on network, done is called exactly once per call
// - done(nil) means receiver acknowledged the message
// - done may be called from any goroutine, including inside SendAsync
// - OnMessage and OnConnection may be called from any goroutine, must not block for long
// - Close releases network resources, pending done callbacks receive an error
type Transport interface {
	Open(ctx context.Context, deviceID string, h TransportHandlers) error
	SendAsync(msg *Message, done func(error))
	Close() error
}

type TransportHandlers struct {
	OnMessage    func(payload []byte)
	OnConnection func(up bool)
}

// Message is one serialized outbound record.
// Payload is owned by the pump, transport must copy it if kept after done.
type Message struct {
	ID       uint64
	DeviceID string
	DataType string
	Payload  []byte
}

// CopyBytes splits send/receive buffer identity for safe concurrent access.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	new := make([]byte, len(b))
	copy(new, b)
	return new
}
