package sample

import (
	"time"

	"github.com/temoto/iotdevice/iot/config"
)

const (
	DefaultTrendInterval    = 10 * time.Second
	DefaultRealtimeInterval = 5 * time.Second
	DefaultIterations       = 99
)

// Identity of simulated device and its single sub device.
type Identity struct {
	DeviceID    string
	Profile     string
	Name        string
	Serial      string
	AssetTag    string
	MAC         string
	ChannelTag  string
	SubDeviceID string
	SubProfile  string
}

var builtin = Identity{
	DeviceID:    "IoTDeviceClient-DummyDevice1",
	Profile:     "d4967aa8-28d9-11e6-b67b-9e71128cae77",
	Name:        "SDKClientDevice1",
	Serial:      "SerialNumber",
	AssetTag:    "AssetTag",
	MAC:         "MAC",
	ChannelTag:  "mACIA",
	SubDeviceID: "ce04ec44-b246-564e-ad4d-3cc4ee19cc6d",
	SubProfile:  "c655b09e-bc8b-11e6-a4a6-cec0c932ce01",
}

// Options of one sample run, see FromConfig.
type Options struct {
	Identity
	TrendInterval    time.Duration
	RealtimeInterval time.Duration
	Iterations       int
}

// FromConfig selects built-in sample identity unless sample.custom=true.
// Zero intervals and empty custom fields fall back to built-in values.
func FromConfig(c *config.SampleConfig) Options {
	opt := Options{
		Identity:         builtin,
		TrendInterval:    DefaultTrendInterval,
		RealtimeInterval: DefaultRealtimeInterval,
		Iterations:       DefaultIterations,
	}
	if c.Iterations > 0 {
		opt.Iterations = c.Iterations
	}
	if !c.Custom {
		return opt
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&opt.DeviceID, c.DeviceID)
	set(&opt.Profile, c.Profile)
	set(&opt.Name, c.Name)
	set(&opt.Serial, c.Serial)
	set(&opt.AssetTag, c.AssetTag)
	set(&opt.MAC, c.MAC)
	set(&opt.ChannelTag, c.ChannelTag)
	set(&opt.SubDeviceID, c.SubDeviceID)
	set(&opt.SubProfile, c.SubProfile)
	if c.TrendIntervalSec > 0 {
		opt.TrendInterval = time.Duration(c.TrendIntervalSec) * time.Second
	}
	if c.RealtimeIntervalSec > 0 {
		opt.RealtimeInterval = time.Duration(c.RealtimeIntervalSec) * time.Second
	}
	return opt
}
