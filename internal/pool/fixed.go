package pool

import (
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/iot"
)

// Fixed is the resource constrained strategy: all slots and buffers preallocated.
type Fixed struct {
	base
	bufSize int
}

var _ Pool = (*Fixed)(nil)

func NewFixed(slots, bufSize int, opt Options) *Fixed {
	p := &Fixed{bufSize: bufSize}
	p.init(opt)
	p.slots = make([]*Slot, slots)
	for i := range p.slots {
		p.slots[i] = &Slot{owner: &p.base, buf: &fixedBuffer{b: make([]byte, 0, bufSize)}}
	}
	return p
}

func (p *Fixed) Reserve(encode EncodeFunc) (*Slot, error) {
	return p.reserve(p.acquire, encode)
}

func (p *Fixed) acquire() (*Slot, error) {
	if s := p.findFree(); s != nil {
		return s, nil
	}
	return nil, errors.Annotatef(iot.ErrNoAvailableMessageBuffer, "all slots=%d busy", len(p.slots))
}

// fixedBuffer never reallocates, overflow is an error and nothing of p is written.
type fixedBuffer struct{ b []byte }

func (fb *fixedBuffer) Write(p []byte) (int, error) {
	if len(fb.b)+len(p) > cap(fb.b) {
		return 0, errors.Annotatef(iot.ErrSerialize, "message buffer capacity=%d exceeded by %d", cap(fb.b), len(fb.b)+len(p)-cap(fb.b))
	}
	fb.b = append(fb.b, p...)
	return len(p), nil
}

func (fb *fixedBuffer) Bytes() []byte { return fb.b }
func (fb *fixedBuffer) Cap() int      { return cap(fb.b) }
func (fb *fixedBuffer) truncate()     { fb.b = fb.b[:0] }
func (fb *fixedBuffer) shrink()       { fb.b = fb.b[:0] }
