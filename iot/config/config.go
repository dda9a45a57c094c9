// Package config holds immutable pump configuration.
// Build once with Default/Constrained or ReadConfig, Validate, then pass by pointer.
// Nothing in this module mutates Config after construction.
package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/helpers"
	"github.com/temoto/iotdevice/log2"
)

const (
	PoolFixed   = "fixed"
	PoolDynamic = "dynamic"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultTimerInterval  = 5 * time.Second
	DefaultMaxRetry       = 3
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Pool PoolConfig `hcl:"pool"`
	// Transport failures of one message above this are terminal.
	MaxRetry int `hcl:"max_retry"`
	// Backpressure ceiling, 0 = unlimited.
	MaxUnconfirmed int `hcl:"max_unconfirmed"`
	// 0 = resubmit failed message immediately.
	RetryDelayMs      int `hcl:"retry_delay_ms"`
	NetworkTimeoutSec int `hcl:"network_timeout_sec"`
	// Default interval for RegisterTimer(h, 0, f).
	TimerIntervalSec int    `hcl:"timer_interval_sec"`
	Limits           Limits `hcl:"limits"`

	PersistRoot    string `hcl:"persist_root"`
	DeadLetterPath string `hcl:"dead_letter_path"`
	MetricsListen  string `hcl:"metrics_listen"`
	LogDebug       bool   `hcl:"log_debug"`

	Transport TransportConfig `hcl:"transport"`
	Sample    SampleConfig    `hcl:"sample"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type PoolConfig struct {
	Mode string `hcl:"mode"`
	// fixed: number of slots; dynamic: upper bound, 0 = unlimited
	Slots int `hcl:"slots"`
	// fixed mode slot capacity
	BufferSize int `hcl:"buffer_size"`
	// dynamic mode growth policy
	InitialBufferSize     int `hcl:"initial_buffer_size"`
	IncrementalBufferSize int `hcl:"incremental_buffer_size"`
	LowBufferSize         int `hcl:"low_buffer_size"`
}

// Limits bound inbound request fields and outbound identifiers, 0 = unbounded.
type Limits struct {
	MaxDeviceIDLen      int `hcl:"device_id"`
	MaxChannelTagLen    int `hcl:"channel_tag"`
	MaxChannelCount     int `hcl:"channel_count"`
	MaxCommandIDLen     int `hcl:"command_id"`
	MaxCommandMethodLen int `hcl:"command_method"`
	MaxCommandParamsLen int `hcl:"command_params"`
}

type TransportConfig struct {
	Protocol          string `hcl:"protocol"`
	Broker            string `hcl:"broker"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
	TLSCAFile         string `hcl:"tls_ca_file"`
	Exchange          string `hcl:"exchange"`
	QueuePrefix       string `hcl:"queue_prefix"`
	LogDebug          bool   `hcl:"log_debug"`
}

// SampleConfig drives `iotdevice sample`.
// Custom=false ignores identity fields and uses built-in sample data.
type SampleConfig struct {
	Custom              bool   `hcl:"custom"`
	DeviceID            string `hcl:"device_id"`
	Profile             string `hcl:"profile"`
	Name                string `hcl:"name"`
	Serial              string `hcl:"serial"`
	AssetTag            string `hcl:"asset_tag"`
	MAC                 string `hcl:"mac"`
	ChannelTag          string `hcl:"channel_tag"`
	SubDeviceID         string `hcl:"sub_device_id"`
	SubProfile          string `hcl:"sub_profile"`
	TrendIntervalSec    int    `hcl:"trend_interval_sec"`
	RealtimeIntervalSec int    `hcl:"realtime_interval_sec"`
	Iterations          int    `hcl:"iterations"`
}

// Default is the general target: dynamic buffers, unlimited slots.
func Default() *Config {
	c := &Config{
		Pool: PoolConfig{
			Mode:                  PoolDynamic,
			InitialBufferSize:     1024,
			IncrementalBufferSize: 512,
			LowBufferSize:         768,
		},
		MaxRetry:         DefaultMaxRetry,
		TimerIntervalSec: int(DefaultTimerInterval / time.Second),
		Limits: Limits{
			MaxDeviceIDLen:  36,
			MaxChannelCount: 256,
		},
		Transport: TransportConfig{
			Protocol:     "mqtt",
			KeepaliveSec: 60,
			Exchange:     "iot",
			QueuePrefix:  "devicebound.",
		},
	}
	return c
}

// Constrained is the resource constrained target: few fixed slots, tight limits.
func Constrained() *Config {
	c := Default()
	c.Pool = PoolConfig{
		Mode:       PoolFixed,
		Slots:      4,
		BufferSize: 512,
	}
	c.Limits = Limits{
		MaxDeviceIDLen:      36,
		MaxChannelTagLen:    24,
		MaxChannelCount:     10,
		MaxCommandIDLen:     19,
		MaxCommandMethodLen: 19,
		MaxCommandParamsLen: 31,
	}
	return c
}

func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}

func (c *Config) RetryDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.RetryDelayMs, 0)
}

func (c *Config) TimerInterval() time.Duration {
	return helpers.IntSecondDefault(c.TimerIntervalSec, DefaultTimerInterval)
}

// CloseTimeout bounds how long Close waits for in-flight messages.
func (c *Config) CloseTimeout() time.Duration {
	return c.NetworkTimeout()*time.Duration(c.MaxRetry+1) + c.RetryDelay()*time.Duration(c.MaxRetry)
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	switch c.Pool.Mode {
	case PoolFixed:
		if c.Pool.Slots <= 0 {
			errs = append(errs, errors.NotValidf("pool.slots=%d fixed mode requires slots > 0", c.Pool.Slots))
		}
		if c.Pool.BufferSize <= 0 {
			errs = append(errs, errors.NotValidf("pool.buffer_size=%d", c.Pool.BufferSize))
		}
	case PoolDynamic:
		if c.Pool.Slots < 0 {
			errs = append(errs, errors.NotValidf("pool.slots=%d", c.Pool.Slots))
		}
		if c.Pool.InitialBufferSize <= 0 || c.Pool.IncrementalBufferSize <= 0 {
			errs = append(errs, errors.NotValidf("pool initial_buffer_size=%d incremental_buffer_size=%d must be > 0",
				c.Pool.InitialBufferSize, c.Pool.IncrementalBufferSize))
		}
		if c.Pool.LowBufferSize < 0 || c.Pool.LowBufferSize > c.Pool.InitialBufferSize {
			errs = append(errs, errors.NotValidf("pool.low_buffer_size=%d must be within [0, initial_buffer_size]", c.Pool.LowBufferSize))
		}
	default:
		errs = append(errs, errors.NotValidf("pool.mode=%q expected %s|%s", c.Pool.Mode, PoolFixed, PoolDynamic))
	}
	if c.MaxRetry < 0 {
		errs = append(errs, errors.NotValidf("max_retry=%d", c.MaxRetry))
	}
	if c.MaxUnconfirmed < 0 {
		errs = append(errs, errors.NotValidf("max_unconfirmed=%d", c.MaxUnconfirmed))
	}
	if c.RetryDelayMs < 0 || c.NetworkTimeoutSec < 0 || c.TimerIntervalSec < 0 {
		errs = append(errs, errors.NotValidf("negative duration retry_delay_ms=%d network_timeout_sec=%d timer_interval_sec=%d",
			c.RetryDelayMs, c.NetworkTimeoutSec, c.TimerIntervalSec))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig applies named sources over Default() and validates the result.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := Default()
	c.includeSeen = make(map[string]struct{})
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
