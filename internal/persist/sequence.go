// Package persist keeps per-device message id sequence in crash safe storage.
package persist

import (
	"encoding/binary"
	"io"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/iotdevice/log2"
)

// DefaultWindow is how many ids are leased ahead of last stored value.
const DefaultWindow uint64 = 1024

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Sequence stores lease end: any id up to it may have been used already.
// After crash ids continue after lease end, after clean Store right after last used id.
// Zero value is disabled sequence: Load returns 0, Observe and Store do nothing.
type Sequence struct {
	sync.Mutex
	log      *log2.Log
	tag      string
	window   uint64
	leaseEnd uint64
	storage  storage
}

// NewSequence with root="" returns disabled sequence.
func NewSequence(root, deviceID string, log *log2.Log) (*Sequence, error) {
	s := &Sequence{
		log:    log,
		tag:    "sequence " + deviceID,
		window: DefaultWindow,
	}
	if root == "" {
		return s, nil
	}
	if deviceID == "" {
		return nil, errors.NotValidf("persist sequence deviceID=empty")
	}
	s.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, "sequence", url.PathEscape(deviceID)),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return s, nil
}

func (s *Sequence) Enabled() bool { return s != nil && s.storage != nil }

// Load returns first safe id base and leases next window.
func (s *Sequence) Load() (uint64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	s.Lock()
	defer s.Unlock()
	tbegin := time.Now()
	b, err := s.storage.Read()
	s.log.Debugf("persist %s storage.read duration=%v", s.tag, time.Since(tbegin))
	if b == nil && err != nil {
		return 0, errors.Annotatef(err, "persist %s Load", s.tag)
	}
	if err != nil {
		s.log.Errorf("persist %s ignore non-critical storage err=%v", s.tag, err)
	}
	var last uint64
	if b != nil {
		if len(b) != 8 {
			return 0, errors.NotValidf("persist %s Load length=%d", s.tag, len(b))
		}
		last = binary.BigEndian.Uint64(b)
	}
	if err := s.locked_write(last + s.window); err != nil {
		return 0, errors.Annotatef(err, "persist %s Load lease", s.tag)
	}
	return last, nil
}

// Observe extends lease when id reaches its end.
func (s *Sequence) Observe(id uint64) error {
	if !s.Enabled() {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	if id < s.leaseEnd {
		return nil
	}
	return errors.Annotatef(s.locked_write(id+s.window), "persist %s Observe id=%d", s.tag, id)
}

// Store records exact last used id on clean shutdown.
func (s *Sequence) Store(last uint64) error {
	if !s.Enabled() {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	return errors.Annotatef(s.locked_write(last), "persist %s Store", s.tag)
}

func (s *Sequence) locked_write(value uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], value)
	tbegin := time.Now()
	_, err := s.storage.Write(b[:])
	s.log.Debugf("persist %s storage.write duration=%v", s.tag, time.Since(tbegin))
	if err == nil {
		s.leaseEnd = value
	}
	return err
}
