// Package deadletter persists messages whose delivery failed terminally,
// so they survive restart and may be inspected or replayed later.
package deadletter

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/log2"
	"github.com/temoto/spq"
)

// OnlyForTesting path opens in-memory store.
const OnlyForTesting = spq.OnlyForTesting

const entryVersion uint64 = 1

type Entry struct {
	DeviceID  string
	MessageID uint64
	DataType  string
	Payload   []byte
	Reason    string
	Time      time.Time
}

func (e *Entry) String() string {
	return fmt.Sprintf("device=%s id=%d type=%s time=%s reason=%s payload=%s",
		e.DeviceID, e.MessageID, e.DataType, e.Time.Format(time.RFC3339Nano), e.Reason, e.Payload)
}

func (e *Entry) MarshalBinary() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 64+len(e.Payload)))
	var err error
	setErr := func(x error) {
		if err == nil {
			err = x
		}
	}
	setErr(buf.EncodeVarint(entryVersion))
	setErr(buf.EncodeStringBytes(e.DeviceID))
	setErr(buf.EncodeVarint(e.MessageID))
	setErr(buf.EncodeStringBytes(e.DataType))
	setErr(buf.EncodeRawBytes(e.Payload))
	setErr(buf.EncodeStringBytes(e.Reason))
	setErr(buf.EncodeVarint(uint64(e.Time.UnixNano())))
	if err != nil {
		return nil, errors.Annotate(err, "deadletter entry encode")
	}
	return buf.Bytes(), nil
}

func (e *Entry) UnmarshalBinary(b []byte) error {
	buf := proto.NewBuffer(b)
	version, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "deadletter entry version")
	}
	if version != entryVersion {
		return errors.NotSupportedf("deadletter entry version=%d", version)
	}
	var x Entry
	if x.DeviceID, err = buf.DecodeStringBytes(); err != nil {
		return errors.Annotate(err, "deadletter entry device")
	}
	if x.MessageID, err = buf.DecodeVarint(); err != nil {
		return errors.Annotate(err, "deadletter entry id")
	}
	if x.DataType, err = buf.DecodeStringBytes(); err != nil {
		return errors.Annotate(err, "deadletter entry type")
	}
	if x.Payload, err = buf.DecodeRawBytes(true); err != nil {
		return errors.Annotate(err, "deadletter entry payload")
	}
	if x.Reason, err = buf.DecodeStringBytes(); err != nil {
		return errors.Annotate(err, "deadletter entry reason")
	}
	ns, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "deadletter entry time")
	}
	x.Time = time.Unix(0, int64(ns))
	*e = x
	return nil
}

var errIdle = errors.New("deadletter idle")

type peekResult struct {
	box spq.Box
	err error
}

// Store is safe for concurrent Push. Drain must have single caller at a time.
type Store struct {
	log     *log2.Log
	q       *spq.Queue
	mu      sync.Mutex
	pending chan peekResult
}

func Open(path string, log *log2.Log) (*Store, error) {
	if path == "" {
		return nil, errors.NotValidf("deadletter path=empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		if spq.IsCorrupted(err) {
			log.Errorf("CRITICAL deadletter path=%s corrupted", path)
		}
		return nil, errors.Annotatef(err, "deadletter open path=%s", path)
	}
	return &Store{log: log, q: q}, nil
}

func (s *Store) Push(e *Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return errors.Annotatef(s.q.MarshalPush(e), "deadletter push device=%s id=%d", e.DeviceID, e.MessageID)
}

// Drain passes stored entries to fn oldest first and deletes each after fn returns nil.
// Returns when store was empty for idle duration or fn returned error (entry is kept).
func (s *Store) Drain(idle time.Duration, fn func(*Entry) error) (int, error) {
	n := 0
	for {
		box, err := s.peek(idle)
		switch err {
		case nil: // success path
		case errIdle:
			return n, nil
		default:
			return n, errors.Annotate(err, "deadletter peek")
		}

		var e Entry
		corrupt := box.Unmarshal(&e) != nil
		if corrupt {
			s.log.Errorf("deadletter drop corrupt entry b=%x", box.Bytes())
		} else if err = fn(&e); err != nil {
			return n, err
		}
		if err = s.q.Delete(box); err != nil {
			return n, errors.Annotate(err, "deadletter delete")
		}
		if !corrupt {
			n++
		}
	}
}

// peek waits at most idle for an entry.
// Abandoned Peek stays pending and is picked up by next call.
func (s *Store) peek(idle time.Duration) (spq.Box, error) {
	s.mu.Lock()
	if s.pending == nil {
		ch := make(chan peekResult, 1)
		s.pending = ch
		go func() {
			box, err := s.q.Peek()
			ch <- peekResult{box, err}
		}()
	}
	ch := s.pending
	s.mu.Unlock()

	tmr := time.NewTimer(idle)
	defer tmr.Stop()
	select {
	case r := <-ch:
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return r.box, r.err
	case <-tmr.C:
		return spq.Box{}, errIdle
	}
}

func (s *Store) Close() error {
	return s.q.Close()
}
