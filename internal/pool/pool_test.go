package pool

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
)

func writeString(s string) EncodeFunc {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestStrategies(t *testing.T) {
	t.Parallel()

	type Case struct {
		name string
		make func(opt Options) Pool
	}
	strategies := []Case{
		{"fixed", func(opt Options) Pool { return NewFixed(4, 64, opt) }},
		{"dynamic", func(opt Options) Pool { return NewDynamic(4, 16, 8, 4, opt) }},
	}
	for _, st := range strategies {
		st := st
		t.Run(st.name+"/exhaust", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{MaxRetry: 3})
			slots := make([]*Slot, 0, 4)
			for i := 0; i < 4; i++ {
				s, err := p.Reserve(writeString("x"))
				require.NoError(t, err)
				slots = append(slots, s)
			}
			_, err := p.Reserve(writeString("excess"))
			require.Error(t, err)
			assert.Equal(t, iot.ErrNoAvailableMessageBuffer, errors.Cause(err))
			assert.Equal(t, 4, p.Unconfirmed())
			// overflow attempt must not touch busy slots
			for _, s := range slots {
				assert.Equal(t, "x", string(s.Bytes()))
			}

			require.NoError(t, p.MarkSent(slots[2]))
			require.NoError(t, p.MarkConfirmed(slots[2]))
			s, err := p.Reserve(writeString("y"))
			require.NoError(t, err)
			assert.Same(t, slots[2], s)
			assert.Equal(t, 4, p.Len())
		})

		t.Run(st.name+"/retry-ceiling", func(t *testing.T) {
			t.Parallel()
			const maxRetry = 3
			p := st.make(Options{MaxRetry: maxRetry})
			s, err := p.Reserve(writeString("payload"))
			require.NoError(t, err)
			id := s.ID()
			for i := 1; i <= maxRetry; i++ {
				require.NoError(t, p.MarkSent(s))
				retry, err := p.MarkFailed(s)
				require.NoError(t, err)
				require.True(t, retry, "failure=%d", i)
				assert.Equal(t, i, s.Retries())
				// resubmitted unchanged
				assert.Equal(t, "payload", string(s.Bytes()))
				assert.Equal(t, id, s.ID())
			}
			require.NoError(t, p.MarkSent(s))
			retry, err := p.MarkFailed(s)
			assert.False(t, retry)
			require.Error(t, err)
			assert.Equal(t, iot.ErrSendError, errors.Cause(err))
			assert.Equal(t, 0, p.Unconfirmed())
			// no further attempt possible
			err = p.MarkSent(s)
			require.Error(t, err)
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(err))
		})

		t.Run(st.name+"/zero-retry", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{MaxRetry: 0})
			s, err := p.Reserve(writeString("a"))
			require.NoError(t, err)
			require.NoError(t, p.MarkSent(s))
			retry, err := p.MarkFailed(s)
			assert.False(t, retry)
			assert.Equal(t, iot.ErrSendError, errors.Cause(err))
		})

		t.Run(st.name+"/backpressure", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{MaxRetry: 0, MaxUnconfirmed: 2})
			s1, err := p.Reserve(writeString("1"))
			require.NoError(t, err)
			s2, err := p.Reserve(writeString("2"))
			require.NoError(t, err)
			require.NoError(t, p.MarkSent(s2))
			_, err = p.Reserve(writeString("3"))
			require.Error(t, err)
			assert.Equal(t, iot.ErrSendRequestRejected, errors.Cause(err))

			// terminal failure releases capacity
			require.NoError(t, p.MarkSent(s1))
			_, err = p.MarkFailed(s1)
			require.Error(t, err)
			s3, err := p.Reserve(writeString("3"))
			require.NoError(t, err)
			_, err = p.Reserve(writeString("4"))
			assert.Equal(t, iot.ErrSendRequestRejected, errors.Cause(err))

			// confirmation releases capacity
			require.NoError(t, p.MarkConfirmed(s2))
			_, err = p.Reserve(writeString("4"))
			require.NoError(t, err)
			assert.Equal(t, Reserved, p.(interface{ State(*Slot) State }).State(s3))
		})

		t.Run(st.name+"/ids", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{FirstID: 100})
			s, err := p.Reserve(writeString("a"))
			require.NoError(t, err)
			assert.Equal(t, uint64(101), s.ID())
			require.NoError(t, p.MarkSent(s))
			require.NoError(t, p.MarkConfirmed(s))
			s, err = p.Reserve(writeString("b"))
			require.NoError(t, err)
			assert.Equal(t, uint64(102), s.ID())
			assert.Equal(t, uint64(102), p.LastID())
		})

		t.Run(st.name+"/transitions", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{})
			s, err := p.Reserve(writeString("a"))
			require.NoError(t, err)
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(p.MarkConfirmed(s)))
			_, err = p.MarkFailed(s)
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(err))
			require.NoError(t, p.MarkSent(s))
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(p.MarkSent(s)))

			other := st.make(Options{})
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(other.MarkSent(s)))
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(p.MarkSent(nil)))

			_, err = p.Reserve(nil)
			assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(err))
		})

		t.Run(st.name+"/encode-error", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{})
			_, err := p.Reserve(func(io.Writer) error { return errors.New("bad record") })
			require.Error(t, err)
			assert.Equal(t, iot.ErrSerialize, errors.Cause(err))
			assert.Contains(t, err.Error(), "bad record")
			assert.Equal(t, 0, p.Unconfirmed())
		})

		t.Run(st.name+"/concurrent-reserve", func(t *testing.T) {
			t.Parallel()
			p := st.make(Options{})
			const workers = 32
			var wg sync.WaitGroup
			var mu sync.Mutex
			got := make(map[*Slot]uint64)
			rejected := 0
			wg.Add(workers)
			for i := 0; i < workers; i++ {
				go func() {
					defer wg.Done()
					s, err := p.Reserve(writeString("c"))
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						assert.Equal(t, iot.ErrNoAvailableMessageBuffer, errors.Cause(err))
						rejected++
						return
					}
					_, dup := got[s]
					assert.False(t, dup, "slot claimed twice")
					got[s] = s.ID()
				}()
			}
			wg.Wait()
			assert.Len(t, got, 4)
			assert.Equal(t, workers-4, rejected)
			ids := make(map[uint64]struct{})
			for _, id := range got {
				ids[id] = struct{}{}
			}
			assert.Len(t, ids, 4)
		})
	}
}

func TestFixedCapacity(t *testing.T) {
	t.Parallel()

	p := NewFixed(1, 8, Options{})
	_, err := p.Reserve(writeString("123456789"))
	require.Error(t, err)
	assert.Equal(t, iot.ErrSerialize, errors.Cause(err))
	assert.Contains(t, err.Error(), "capacity=8")

	s, err := p.Reserve(writeString("12345678"))
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(s.Bytes()))
	assert.Equal(t, 8, s.Cap())
}

func TestDynamicGrowth(t *testing.T) {
	t.Parallel()

	p := NewDynamic(0, 16, 8, 4, Options{})
	var first []byte
	s, err := p.Reserve(func(w io.Writer) error {
		steps := []struct {
			chunk     string
			expectCap int
		}{
			{"0123456789", 16},   // headroom 16, fits
			{"abcde", 16},        // headroom 6, need 15
			{"X", 24},            // headroom 1 < 4
			{"0123456789ab", 32}, // need 28 > 24
		}
		for _, step := range steps {
			if _, err := io.WriteString(w, step.chunk); err != nil {
				return err
			}
			assert.Equal(t, step.expectCap, w.(buffer).Cap(), "after chunk=%s", step.chunk)
		}
		first = append(first, w.(buffer).Bytes()...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdeX0123456789ab", string(s.Bytes()))
	assert.Equal(t, first, s.Bytes())
	assert.Equal(t, 32, s.Cap())

	// freed slot keeps capacity until Reset
	require.NoError(t, p.MarkSent(s))
	require.NoError(t, p.MarkConfirmed(s))
	assert.Equal(t, 32, s.Cap())
	p.Reset()
	assert.Equal(t, 16, s.Cap())
}

func TestDynamicUnlimited(t *testing.T) {
	t.Parallel()

	p := NewDynamic(0, 8, 8, 0, Options{})
	var payload bytes.Buffer
	for i := 0; i < 100; i++ {
		payload.WriteByte('x')
		_, err := p.Reserve(writeString(payload.String()))
		require.NoError(t, err)
	}
	assert.Equal(t, 100, p.Len())
	assert.Equal(t, 100, p.Unconfirmed())
}

func TestNew(t *testing.T) {
	t.Parallel()

	p, err := New(config.Constrained(), 0)
	require.NoError(t, err)
	assert.IsType(t, &Fixed{}, p)
	assert.Equal(t, 4, p.Len())

	p, err = New(config.Default(), 7)
	require.NoError(t, err)
	assert.IsType(t, &Dynamic{}, p)
	assert.Equal(t, uint64(7), p.LastID())

	c := config.Default()
	c.Pool.Mode = "bogus"
	_, err = New(c, 0)
	assert.Equal(t, iot.ErrInvalidArgument, errors.Cause(err))
}
