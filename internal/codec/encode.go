// Package codec renders telemetry records to wire JSON and parses cloud requests.
//
// Wire record: {"uuid":"<device>","<key>":[{item},...]}
// Top level "uuid" is omitted for records not bound to a device.
// Item fields go identity first, then timestamp, then payload.
// Empty optional strings are never written.
package codec

import (
	"bytes"
	"io"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/iot"
)

// MaxTreeDepth limits device tree nesting.
// Slices may alias their parent, such tree is infinite and fails to serialize.
const MaxTreeDepth = 32

var api = jsoniter.Config{
	CaseSensitive:          true,
	EscapeHTML:             false,
	DisallowUnknownFields:  true,
	ValidateJsonRawMessage: true,
}.Froze()

// Encode writes one record into w.
// Stream is flushed into w after every array item, so w observes growth per data entity.
// Any write error of w is reported as iot.ErrSerialize, partial output is left in w.
func Encode(w io.Writer, r iot.Record) error {
	if r == nil {
		return errors.Annotate(iot.ErrSerialize, "record=nil")
	}
	s := api.BorrowStream(w)
	defer api.ReturnStream(s)
	e := encoder{s: s}

	s.WriteObjectStart()
	if id := r.RecordDeviceID(); id != "" {
		if err := e.str("uuid", id); err != nil {
			return errors.Annotatef(err, "encode %s", r.DataType())
		}
		s.WriteMore()
	}
	var err error
	switch rt := r.(type) {
	case iot.DeviceTree:
		err = e.devices(rt.Devices, 1)
	case *iot.DeviceTree:
		err = e.devices(rt.Devices, 1)
	case iot.DevicesRealtime:
		err = e.deviceRealtimes(rt.Items)
	case *iot.DevicesRealtime:
		err = e.deviceRealtimes(rt.Items)
	case iot.ChannelRealtimes:
		err = e.channelRealtimes(rt.Items)
	case *iot.ChannelRealtimes:
		err = e.channelRealtimes(rt.Items)
	case iot.Trends:
		err = e.trends(rt.Items)
	case *iot.Trends:
		err = e.trends(rt.Items)
	default:
		err = errors.Errorf("unknown record type=%T", r)
	}
	if err != nil {
		return errors.Annotatef(serializeError(err), "encode %s", r.DataType())
	}
	s.WriteObjectEnd()
	if err := e.flush(); err != nil {
		return errors.Annotatef(err, "encode %s", r.DataType())
	}
	return nil
}

// Marshal returns serialized record in a new buffer.
func Marshal(r iot.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type encoder struct {
	s *jsoniter.Stream
}

func serializeError(err error) error {
	if iot.CodeOf(err) == iot.ErrSerialize {
		return err
	}
	return errors.Annotate(iot.ErrSerialize, err.Error())
}

func (e encoder) flush() error {
	if err := e.s.Flush(); err != nil {
		return serializeError(err)
	}
	if e.s.Error != nil {
		return serializeError(e.s.Error)
	}
	return nil
}

// str writes field and value, JSON output must stay valid UTF-8.
func (e encoder) str(field, value string) error {
	if !utf8.ValidString(value) {
		return errors.Annotatef(iot.ErrSerialize, "%s=%q invalid utf-8", field, value)
	}
	e.s.WriteObjectField(field)
	e.s.WriteString(value)
	return nil
}

// optStrings takes field, value pairs.
func (e encoder) optStrings(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		e.s.WriteMore()
		if err := e.str(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (e encoder) flags(disconnected, disabled, disarmed bool) {
	s := e.s
	s.WriteMore()
	s.WriteObjectField("disconnected")
	s.WriteBool(disconnected)
	s.WriteMore()
	s.WriteObjectField("disabled")
	s.WriteBool(disabled)
	s.WriteMore()
	s.WriteObjectField("disarmed")
	s.WriteBool(disarmed)
}

func (e encoder) devices(list []iot.Device, depth int) error {
	if depth > MaxTreeDepth {
		return errors.Annotatef(iot.ErrSerialize, "device tree depth>%d, cycle?", MaxTreeDepth)
	}
	s := e.s
	if depth == 1 {
		s.WriteObjectField(iot.KeyDevices)
	}
	s.WriteArrayStart()
	for i := range list {
		d := &list[i]
		if d.ID == "" || d.Profile == "" {
			return errors.Annotatef(iot.ErrSerialize, "device[%d] uuid=%q profile=%q required", i, d.ID, d.Profile)
		}
		if i != 0 {
			s.WriteMore()
		}
		s.WriteObjectStart()
		if err := e.str("uuid", d.ID); err != nil {
			return errors.Annotatef(err, "device[%d]", i)
		}
		s.WriteMore()
		if err := e.str("profile", d.Profile); err != nil {
			return errors.Annotatef(err, "device[%d]", i)
		}
		if err := e.optStrings("name", d.Name, "serial", d.Serial, "assettag", d.AssetTag, "mac", d.MAC); err != nil {
			return errors.Annotatef(err, "device[%d]", i)
		}
		if len(d.Children) != 0 {
			s.WriteMore()
			s.WriteObjectField(iot.KeyDevices)
			if err := e.devices(d.Children, depth+1); err != nil {
				return err
			}
		}
		s.WriteObjectEnd()
		if err := e.flush(); err != nil {
			return err
		}
	}
	s.WriteArrayEnd()
	return nil
}

func (e encoder) deviceRealtimes(list []iot.DeviceRealtime) error {
	s := e.s
	s.WriteObjectField(iot.KeyDeviceRealtimes)
	s.WriteArrayStart()
	for i := range list {
		item := &list[i]
		if item.DeviceID == "" {
			return errors.Annotatef(iot.ErrSerialize, "devicerealtime[%d] uuid required", i)
		}
		if i != 0 {
			s.WriteMore()
		}
		s.WriteObjectStart()
		if err := e.str("uuid", item.DeviceID); err != nil {
			return errors.Annotatef(err, "devicerealtime[%d]", i)
		}
		s.WriteMore()
		s.WriteObjectField("time")
		s.WriteInt64(item.Time)
		s.WriteMore()
		s.WriteObjectField("ms")
		s.WriteInt32(item.Ms)
		e.flags(item.Disconnected, item.Disabled, item.Disarmed)
		s.WriteObjectEnd()
		if err := e.flush(); err != nil {
			return err
		}
	}
	s.WriteArrayEnd()
	return nil
}

func (e encoder) channelRealtimes(list []iot.ChannelRealtime) error {
	s := e.s
	s.WriteObjectField(iot.KeyRealtimes)
	s.WriteArrayStart()
	for i := range list {
		item := &list[i]
		if item.Tag == "" {
			return errors.Annotatef(iot.ErrSerialize, "realtime[%d] tag required", i)
		}
		if i != 0 {
			s.WriteMore()
		}
		s.WriteObjectStart()
		if err := e.str("tag", item.Tag); err != nil {
			return errors.Annotatef(err, "realtime[%d]", i)
		}
		s.WriteMore()
		s.WriteObjectField("time")
		s.WriteInt64(item.Time)
		s.WriteMore()
		s.WriteObjectField("ms")
		s.WriteInt32(item.Ms)
		s.WriteMore()
		if err := e.str("value", item.Value); err != nil {
			return errors.Annotatef(err, "realtime[%d]", i)
		}
		e.flags(item.Disconnected, item.Disabled, item.Disarmed)
		s.WriteObjectEnd()
		if err := e.flush(); err != nil {
			return err
		}
	}
	s.WriteArrayEnd()
	return nil
}

func (e encoder) trends(list []iot.Trend) error {
	s := e.s
	s.WriteObjectField(iot.KeyTrends)
	s.WriteArrayStart()
	for i := range list {
		item := &list[i]
		if item.Tag == "" {
			return errors.Annotatef(iot.ErrSerialize, "trend[%d] tag required", i)
		}
		if i != 0 {
			s.WriteMore()
		}
		s.WriteObjectStart()
		if err := e.str("tag", item.Tag); err != nil {
			return errors.Annotatef(err, "trend[%d]", i)
		}
		s.WriteMore()
		s.WriteObjectField("time")
		s.WriteInt64(item.Time)
		if err := e.optStrings("act", item.Act, "avg", item.Avg, "min", item.Min, "max", item.Max); err != nil {
			return errors.Annotatef(err, "trend[%d]", i)
		}
		s.WriteObjectEnd()
		if err := e.flush(); err != nil {
			return err
		}
	}
	s.WriteArrayEnd()
	return nil
}
