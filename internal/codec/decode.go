package codec

import (
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/iot"
)

type wireDevice struct {
	ID       string       `json:"uuid"`
	Profile  string       `json:"profile"`
	Name     string       `json:"name"`
	Serial   string       `json:"serial"`
	AssetTag string       `json:"assettag"`
	MAC      string       `json:"mac"`
	Children []wireDevice `json:"d"`
}

type wireDeviceRealtime struct {
	DeviceID     string `json:"uuid"`
	Time         int64  `json:"time"`
	Ms           int32  `json:"ms"`
	Disconnected bool   `json:"disconnected"`
	Disabled     bool   `json:"disabled"`
	Disarmed     bool   `json:"disarmed"`
}

type wireChannelRealtime struct {
	Tag          string `json:"tag"`
	Time         int64  `json:"time"`
	Ms           int32  `json:"ms"`
	Value        string `json:"value"`
	Disconnected bool   `json:"disconnected"`
	Disabled     bool   `json:"disabled"`
	Disarmed     bool   `json:"disarmed"`
}

type wireTrend struct {
	Tag  string `json:"tag"`
	Time int64  `json:"time"`
	Act  string `json:"act"`
	Avg  string `json:"avg"`
	Min  string `json:"min"`
	Max  string `json:"max"`
}

type wireRecord struct {
	DeviceID        string                 `json:"uuid"`
	Devices         *[]wireDevice          `json:"d"`
	DeviceRealtimes *[]wireDeviceRealtime  `json:"devicerealtimes"`
	Realtimes       *[]wireChannelRealtime `json:"realtimes"`
	Trends          *[]wireTrend           `json:"trends"`
}

// Decode parses wire record produced by Encode.
// Exactly one record array key must be present.
func Decode(b []byte) (iot.Record, error) {
	var w wireRecord
	if err := api.Unmarshal(b, &w); err != nil {
		return nil, errors.Annotate(iot.ErrInvalidArgument, err.Error())
	}
	present := 0
	for _, ok := range []bool{w.Devices != nil, w.DeviceRealtimes != nil, w.Realtimes != nil, w.Trends != nil} {
		if ok {
			present++
		}
	}
	if present != 1 {
		return nil, errors.Annotatef(iot.ErrInvalidArgument, "record must have exactly one of d|devicerealtimes|realtimes|trends, found=%d", present)
	}

	switch {
	case w.Devices != nil:
		return iot.DeviceTree{DeviceID: w.DeviceID, Devices: decodeDevices(*w.Devices)}, nil

	case w.DeviceRealtimes != nil:
		items := make([]iot.DeviceRealtime, len(*w.DeviceRealtimes))
		for i, x := range *w.DeviceRealtimes {
			items[i] = iot.DeviceRealtime(x)
		}
		return iot.DevicesRealtime{DeviceID: w.DeviceID, Items: items}, nil

	case w.Realtimes != nil:
		items := make([]iot.ChannelRealtime, len(*w.Realtimes))
		for i, x := range *w.Realtimes {
			items[i] = iot.ChannelRealtime(x)
		}
		return iot.ChannelRealtimes{DeviceID: w.DeviceID, Items: items}, nil

	default:
		items := make([]iot.Trend, len(*w.Trends))
		for i, x := range *w.Trends {
			items[i] = iot.Trend(x)
		}
		return iot.Trends{DeviceID: w.DeviceID, Items: items}, nil
	}
}

func decodeDevices(ws []wireDevice) []iot.Device {
	if ws == nil {
		return nil
	}
	ds := make([]iot.Device, len(ws))
	for i, w := range ws {
		ds[i] = iot.Device{
			ID:       w.ID,
			Profile:  w.Profile,
			Name:     w.Name,
			Serial:   w.Serial,
			AssetTag: w.AssetTag,
			MAC:      w.MAC,
			Children: decodeDevices(w.Children),
		}
	}
	return ds
}
