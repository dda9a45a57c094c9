package iot

import "fmt"

type ConnectionStatus int32

const (
	StatusUnknown ConnectionStatus = iota
	StatusOpened
	StatusClosing
	StatusClosed
	// transport reported trouble, session is still alive
	StatusOther
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOpened:
		return "opened"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusOther:
		return "other"
	}
	return fmt.Sprintf("ConnectionStatus(%d)", int32(s))
}

// Status is a point-in-time snapshot of one session.
type Status struct {
	DeviceID   string
	Connection ConnectionStatus
	Outbound   int64
	Confirmed  int64
	Inbound    int64
	LastError  ErrorCode

	// slots Reserved or Sent at snapshot time
	Unconfirmed int
	// inbound messages rejected by parser or validation
	Dropped int64
}

func (s Status) String() string {
	return fmt.Sprintf("device=%s status=%s outbound=%d confirmed=%d inbound=%d last_error=%s",
		s.DeviceID, s.Connection.String(), s.Outbound, s.Confirmed, s.Inbound, s.LastError.String())
}

type Protocol string

const (
	ProtocolMQTT Protocol = "mqtt"
	ProtocolPaho Protocol = "paho"
	ProtocolAMQP Protocol = "amqp"
)

// Options for opening one device connection.
type Options struct {
	DeviceID  string
	Transport Transport
}
