package iot

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrorCode is the public failure taxonomy.
// Values are comparable with errors.Cause(err) == iot.ErrXxx.
type ErrorCode int32

const (
	OK ErrorCode = iota
	ErrInvalidHandle
	ErrInvalidArgument
	// transport failure after retries exhausted
	ErrSendError
	// fixed pool exhausted
	ErrNoAvailableMessageBuffer
	ErrSerialize
	ErrConnectionFailed
	ErrThreadCreationFailed
	ErrDuplicateConnection
	// backpressure ceiling reached
	ErrSendRequestRejected
)

var errorCodeNames = [...]string{
	OK:                          "ok",
	ErrInvalidHandle:            "invalid handle",
	ErrInvalidArgument:          "invalid argument",
	ErrSendError:                "send error",
	ErrNoAvailableMessageBuffer: "no available message buffer",
	ErrSerialize:                "serialize error",
	ErrConnectionFailed:         "connection failed",
	ErrThreadCreationFailed:     "thread creation failed",
	ErrDuplicateConnection:      "duplicate connection",
	ErrSendRequestRejected:      "send request rejected",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(c))
}

func (c ErrorCode) Error() string { return c.String() }

// CodeOf maps any error to the taxonomy.
// nil is OK, errors without a code in their cause chain are reported as ErrSendError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	if code, ok := errors.Cause(err).(ErrorCode); ok {
		return code
	}
	return ErrSendError
}
