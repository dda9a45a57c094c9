package pool

import (
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/iot"
)

// Dynamic is the general strategy: slots are allocated on demand,
// each buffer grows by increment while headroom stays below low water mark.
type Dynamic struct {
	base
	maxSlots  int
	initial   int
	increment int
	lowWater  int
}

var _ Pool = (*Dynamic)(nil)

// maxSlots=0 means unlimited.
func NewDynamic(maxSlots, initial, increment, lowWater int, opt Options) *Dynamic {
	p := &Dynamic{
		maxSlots:  maxSlots,
		initial:   initial,
		increment: increment,
		lowWater:  lowWater,
	}
	p.init(opt)
	return p
}

func (p *Dynamic) Reserve(encode EncodeFunc) (*Slot, error) {
	return p.reserve(p.acquire, encode)
}

func (p *Dynamic) acquire() (*Slot, error) {
	if s := p.findFree(); s != nil {
		return s, nil
	}
	if p.maxSlots > 0 && len(p.slots) >= p.maxSlots {
		return nil, errors.Annotatef(iot.ErrNoAvailableMessageBuffer, "all slots=%d busy", len(p.slots))
	}
	s := &Slot{owner: &p.base, buf: newGrowBuffer(p.initial, p.increment, p.lowWater)}
	p.slots = append(p.slots, s)
	return s, nil
}

type growBuffer struct {
	b         []byte
	initial   int
	increment int
	lowWater  int
}

func newGrowBuffer(initial, increment, lowWater int) *growBuffer {
	if increment <= 0 {
		increment = 1
	}
	if lowWater < 0 {
		lowWater = 0
	}
	return &growBuffer{
		b:         make([]byte, 0, initial),
		initial:   initial,
		increment: increment,
		lowWater:  lowWater,
	}
}

// Write grows capacity by increment while headroom is below low water mark
// or p does not fit. Reallocation copies written prefix.
func (gb *growBuffer) Write(p []byte) (int, error) {
	need := len(gb.b) + len(p)
	newCap := cap(gb.b)
	for newCap-len(gb.b) < gb.lowWater || newCap < need {
		newCap += gb.increment
	}
	if newCap != cap(gb.b) {
		nb := make([]byte, len(gb.b), newCap)
		copy(nb, gb.b)
		gb.b = nb
	}
	gb.b = append(gb.b, p...)
	return len(p), nil
}

func (gb *growBuffer) Bytes() []byte { return gb.b }
func (gb *growBuffer) Cap() int      { return cap(gb.b) }
func (gb *growBuffer) truncate()     { gb.b = gb.b[:0] }

func (gb *growBuffer) shrink() {
	if cap(gb.b) > gb.initial {
		gb.b = make([]byte, 0, gb.initial)
	} else {
		gb.b = gb.b[:0]
	}
}
