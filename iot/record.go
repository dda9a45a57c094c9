// Package iot declares the device side of a cloud telemetry link:
// typed telemetry records going up, typed requests coming down,
// connection status snapshots and the pluggable transport contract.
package iot

// Values of the "a" message property, one per record kind.
const (
	DataDeviceTree       = "DeviceTree"
	DataDevicesRealtimes = "DevicesRealtimes"
	DataRealtimes        = "Realtimes"
	DataTrends           = "Trends"
)

// Wire keys of record arrays.
const (
	KeyDevices         = "d"
	KeyDeviceRealtimes = "devicerealtimes"
	KeyRealtimes       = "realtimes"
	KeyTrends          = "trends"
)

// Record is one outbound telemetry message.
// Implemented by DeviceTree, DevicesRealtime, ChannelRealtimes and Trends only.
type Record interface {
	DataType() string
	// Top level "uuid", empty when the record is not bound to a device.
	RecordDeviceID() string
	isRecord()
}

// Device is a node of a device tree. Empty optional strings are not sent.
type Device struct {
	ID       string
	Profile  string
	Name     string
	Serial   string
	AssetTag string
	MAC      string
	Children []Device
}

// Add appends a child and returns it for further nesting.
// Returned pointer is valid until next Add on d.
func (d *Device) Add(child Device) *Device {
	d.Children = append(d.Children, child)
	return &d.Children[len(d.Children)-1]
}

type DeviceTree struct {
	DeviceID string
	Devices  []Device
}

type DeviceRealtime struct {
	DeviceID     string
	Time         int64
	Ms           int32
	Disconnected bool
	Disabled     bool
	Disarmed     bool
}

type DevicesRealtime struct {
	DeviceID string
	Items    []DeviceRealtime
}

type ChannelRealtime struct {
	Tag          string
	Time         int64
	Ms           int32
	Value        string
	Disconnected bool
	Disabled     bool
	Disarmed     bool
}

type ChannelRealtimes struct {
	DeviceID string
	Items    []ChannelRealtime
}

type Trend struct {
	Tag  string
	Time int64
	Act  string
	Avg  string
	Min  string
	Max  string
}

type Trends struct {
	DeviceID string
	Items    []Trend
}

func (DeviceTree) DataType() string       { return DataDeviceTree }
func (DevicesRealtime) DataType() string  { return DataDevicesRealtimes }
func (ChannelRealtimes) DataType() string { return DataRealtimes }
func (Trends) DataType() string           { return DataTrends }

func (r DeviceTree) RecordDeviceID() string       { return r.DeviceID }
func (r DevicesRealtime) RecordDeviceID() string  { return r.DeviceID }
func (r ChannelRealtimes) RecordDeviceID() string { return r.DeviceID }
func (r Trends) RecordDeviceID() string           { return r.DeviceID }

func (DeviceTree) isRecord()       {}
func (DevicesRealtime) isRecord()  {}
func (ChannelRealtimes) isRecord() {}
func (Trends) isRecord()           {}
