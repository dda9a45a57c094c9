package iot

// Request type discriminators.
const (
	ReqDeviceTree      = "DeviceTreeReq"
	ReqDeviceRealtimes = "DeviceRealtimesReq"
	ReqRealtimes       = "RealtimesReq"
	ReqDeviceCommand   = "DeviceCommand"
)

// Request is one parsed cloud-to-device message.
// Implemented by *GetDeviceTree, *GetDevicesRealtime, *GetChannelRealtimes and *DeviceCommand.
type Request interface {
	RequestType() string
}

// DeviceID is optional, empty means all devices.
type GetDeviceTree struct{ DeviceID string }

// DeviceID is optional, empty means all devices.
type GetDevicesRealtime struct{ DeviceID string }

type GetChannelRealtimes struct {
	DeviceID string
	Tags     []string
}

type DeviceCommand struct {
	ID       string
	DeviceID string
	Method   string
	// JSON text
	Params string
}

func (*GetDeviceTree) RequestType() string       { return ReqDeviceTree }
func (*GetDevicesRealtime) RequestType() string  { return ReqDeviceRealtimes }
func (*GetChannelRealtimes) RequestType() string { return ReqRealtimes }
func (*DeviceCommand) RequestType() string       { return ReqDeviceCommand }
