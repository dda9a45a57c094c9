// Package atomic_clock is wall clock timestamp safe for concurrent access.
// Zero value is unset. Do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ ns int64 }

func now() int64 { return time.Now().UnixNano() }

func New(ns int64) *Clock { return &Clock{ns: ns} }
func Now() *Clock         { return New(now()) }

func (c *Clock) IsZero() bool        { return atomic.LoadInt64(&c.ns) == 0 }
func (c *Clock) SetNow()             { atomic.StoreInt64(&c.ns, now()) }
func (c *Clock) SetTime(t time.Time) { atomic.StoreInt64(&c.ns, t.UnixNano()) }
func (c *Clock) Time() time.Time     { return time.Unix(0, atomic.LoadInt64(&c.ns)) }

// Sub returns c-begin.
func (c *Clock) Sub(begin *Clock) time.Duration {
	return time.Duration(atomic.LoadInt64(&c.ns) - atomic.LoadInt64(&begin.ns))
}

func Since(begin *Clock) time.Duration {
	return time.Duration(now() - atomic.LoadInt64(&begin.ns))
}
