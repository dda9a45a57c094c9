// Package pool manages outbound message slots of one session.
//
// Slot lifecycle: Free -> Reserved -> Sent -> Confirmed -> Free
// or Sent -> Failed -> Reserved (retry) | Free (retries exhausted).
// Reserve never blocks and never queues: it fails with
// iot.ErrSendRequestRejected when unconfirmed ceiling is reached and
// iot.ErrNoAvailableMessageBuffer when no slot may be taken.
package pool

import (
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
)

type State int32

const (
	Free State = iota
	Reserved
	Sent
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Sent:
		return "sent"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type EncodeFunc func(w io.Writer) error

type Pool interface {
	// Reserve takes a slot, assigns next message id and fills payload with encode.
	Reserve(encode EncodeFunc) (*Slot, error)
	MarkSent(s *Slot) error
	MarkConfirmed(s *Slot) error
	// MarkFailed returns retry=true when slot is Reserved again with payload unchanged,
	// otherwise slot is Free and err has iot.ErrSendError cause.
	MarkFailed(s *Slot) (retry bool, err error)
	// Unconfirmed is number of slots Reserved, Sent or Failed.
	Unconfirmed() int
	// Len is number of allocated slots.
	Len() int
	LastID() uint64
	// Reset shrinks free slot buffers back to initial size.
	Reset()
}

type Options struct {
	MaxRetry       int
	MaxUnconfirmed int
	// ids continue after FirstID
	FirstID uint64
}

func OptionsFromConfig(c *config.Config, firstID uint64) Options {
	return Options{
		MaxRetry:       c.MaxRetry,
		MaxUnconfirmed: c.MaxUnconfirmed,
		FirstID:        firstID,
	}
}

// New builds pool strategy selected by c.Pool.Mode.
func New(c *config.Config, firstID uint64) (Pool, error) {
	opt := OptionsFromConfig(c, firstID)
	switch c.Pool.Mode {
	case config.PoolFixed:
		return NewFixed(c.Pool.Slots, c.Pool.BufferSize, opt), nil
	case config.PoolDynamic:
		return NewDynamic(c.Pool.Slots, c.Pool.InitialBufferSize, c.Pool.IncrementalBufferSize, c.Pool.LowBufferSize, opt), nil
	}
	return nil, errors.Annotatef(iot.ErrInvalidArgument, "pool mode=%q", c.Pool.Mode)
}

type buffer interface {
	io.Writer
	Bytes() []byte
	Cap() int
	truncate()
	shrink()
}

type Slot struct {
	owner   *base
	buf     buffer
	id      uint64
	retries int
	state   State
}

func (s *Slot) ID() uint64 { return s.id }

// Bytes is serialized payload, unchanged between retries.
// Valid until slot is Free.
func (s *Slot) Bytes() []byte { return s.buf.Bytes() }

func (s *Slot) Retries() int { return s.retries }
func (s *Slot) Cap() int     { return s.buf.Cap() }

// base is shared slot accounting, strategies differ in acquire.
type base struct {
	sync.Mutex
	opt    Options
	slots  []*Slot
	inUse  int
	lastID uint64
}

func (b *base) init(opt Options) {
	b.opt = opt
	b.lastID = opt.FirstID
}

func (b *base) reserve(acquire func() (*Slot, error), encode EncodeFunc) (*Slot, error) {
	if encode == nil {
		return nil, errors.Annotate(iot.ErrInvalidArgument, "encode=nil")
	}
	b.Lock()
	if b.opt.MaxUnconfirmed > 0 && b.inUse >= b.opt.MaxUnconfirmed {
		b.Unlock()
		return nil, errors.Annotatef(iot.ErrSendRequestRejected, "unconfirmed=%d ceiling=%d", b.inUse, b.opt.MaxUnconfirmed)
	}
	s, err := acquire()
	if err != nil {
		b.Unlock()
		return nil, err
	}
	b.lastID++
	s.id = b.lastID
	s.state = Reserved
	s.retries = 0
	s.buf.truncate()
	b.inUse++
	b.Unlock()

	// slot is exclusively ours while Reserved
	if err := encode(s.buf); err != nil {
		b.Lock()
		b.free(s)
		b.Unlock()
		if iot.CodeOf(err) != iot.ErrSerialize {
			err = errors.Annotate(iot.ErrSerialize, err.Error())
		}
		return nil, errors.Annotatef(err, "message id=%d", s.id)
	}
	return s, nil
}

// lock must be held
func (b *base) free(s *Slot) {
	s.state = Free
	s.retries = 0
	s.buf.truncate()
	b.inUse--
}

// lock must be held
func (b *base) check(s *Slot, expect State, op string) error {
	if s == nil || s.owner != b {
		return errors.Annotatef(iot.ErrInvalidArgument, "%s foreign slot", op)
	}
	if s.state != expect {
		return errors.Annotatef(iot.ErrInvalidArgument, "%s message id=%d state=%s expected=%s", op, s.id, s.state.String(), expect.String())
	}
	return nil
}

func (b *base) MarkSent(s *Slot) error {
	b.Lock()
	defer b.Unlock()
	if err := b.check(s, Reserved, "MarkSent"); err != nil {
		return err
	}
	s.state = Sent
	return nil
}

func (b *base) MarkConfirmed(s *Slot) error {
	b.Lock()
	defer b.Unlock()
	if err := b.check(s, Sent, "MarkConfirmed"); err != nil {
		return err
	}
	s.state = Confirmed
	b.free(s)
	return nil
}

func (b *base) MarkFailed(s *Slot) (bool, error) {
	b.Lock()
	defer b.Unlock()
	if err := b.check(s, Sent, "MarkFailed"); err != nil {
		return false, err
	}
	s.state = Failed
	s.retries++
	if s.retries > b.opt.MaxRetry {
		id, retries := s.id, s.retries
		b.free(s)
		return false, errors.Annotatef(iot.ErrSendError, "message id=%d failed attempts=%d max_retry=%d", id, retries, b.opt.MaxRetry)
	}
	s.state = Reserved
	return true, nil
}

func (b *base) Unconfirmed() int {
	b.Lock()
	defer b.Unlock()
	return b.inUse
}

func (b *base) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.slots)
}

func (b *base) LastID() uint64 {
	b.Lock()
	defer b.Unlock()
	return b.lastID
}

// State of slot under pool lock.
func (b *base) State(s *Slot) State {
	b.Lock()
	defer b.Unlock()
	return s.state
}

func (b *base) Reset() {
	b.Lock()
	defer b.Unlock()
	for _, s := range b.slots {
		if s.state == Free {
			s.buf.shrink()
		}
	}
}

// lock must be held
func (b *base) findFree() *Slot {
	for _, s := range b.slots {
		if s.state == Free {
			return s
		}
	}
	return nil
}
