package codec

import (
	"bytes"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/temoto/iotdevice/iot"
	"github.com/temoto/iotdevice/iot/config"
)

// Absent and null fields are both nil.
type wireRequest struct {
	Type     string              `json:"type"`
	DeviceID *string             `json:"uuid"`
	Tags     *[]string           `json:"tags"`
	ID       *string             `json:"id"`
	Method   *string             `json:"method"`
	Params   jsoniter.RawMessage `json:"params"`
}

func invalidf(format string, args ...interface{}) error {
	return errors.Annotatef(iot.ErrInvalidArgument, "request: "+format, args...)
}

// ParseRequest parses one cloud-to-device payload.
// Every failure has iot.ErrInvalidArgument cause.
// Fields that belong to another request type are rejected, never ignored.
// Values above limits are rejected, never truncated.
func ParseRequest(b []byte, lim config.Limits) (iot.Request, error) {
	if name := duplicateField(b); name != "" {
		return nil, invalidf("duplicate field=%s", name)
	}
	var w wireRequest
	if err := api.Unmarshal(b, &w); err != nil {
		return nil, invalidf("%v", err)
	}

	foreign := func(names ...string) error {
		for _, name := range names {
			var present bool
			switch name {
			case "uuid":
				present = w.DeviceID != nil
			case "tags":
				present = w.Tags != nil
			case "id":
				present = w.ID != nil
			case "method":
				present = w.Method != nil
			case "params":
				present = w.Params != nil && !bytes.Equal(w.Params, []byte("null"))
			}
			if present {
				return invalidf("type=%s unexpected field=%s", w.Type, name)
			}
		}
		return nil
	}
	deviceID := func(required bool) (string, error) {
		if w.DeviceID == nil || *w.DeviceID == "" {
			if required {
				return "", invalidf("type=%s uuid required", w.Type)
			}
			return "", nil
		}
		if over(*w.DeviceID, lim.MaxDeviceIDLen) {
			return "", invalidf("type=%s uuid length=%d limit=%d", w.Type, len(*w.DeviceID), lim.MaxDeviceIDLen)
		}
		return *w.DeviceID, nil
	}

	switch w.Type {
	case iot.ReqDeviceTree, iot.ReqDeviceRealtimes:
		if err := foreign("tags", "id", "method", "params"); err != nil {
			return nil, err
		}
		id, err := deviceID(false)
		if err != nil {
			return nil, err
		}
		if w.Type == iot.ReqDeviceTree {
			return &iot.GetDeviceTree{DeviceID: id}, nil
		}
		return &iot.GetDevicesRealtime{DeviceID: id}, nil

	case iot.ReqRealtimes:
		if err := foreign("id", "method", "params"); err != nil {
			return nil, err
		}
		id, err := deviceID(true)
		if err != nil {
			return nil, err
		}
		if w.Tags == nil {
			return nil, invalidf("type=%s tags required", w.Type)
		}
		tags := *w.Tags
		if lim.MaxChannelCount > 0 && len(tags) > lim.MaxChannelCount {
			return nil, invalidf("type=%s tags count=%d limit=%d", w.Type, len(tags), lim.MaxChannelCount)
		}
		seen := make(map[string]struct{}, len(tags))
		for i, tag := range tags {
			if tag == "" {
				return nil, invalidf("type=%s tags[%d] empty", w.Type, i)
			}
			if over(tag, lim.MaxChannelTagLen) {
				return nil, invalidf("type=%s tags[%d] length=%d limit=%d", w.Type, i, len(tag), lim.MaxChannelTagLen)
			}
			if _, dup := seen[tag]; dup {
				return nil, invalidf("type=%s tags[%d]=%s duplicate", w.Type, i, tag)
			}
			seen[tag] = struct{}{}
		}
		return &iot.GetChannelRealtimes{DeviceID: id, Tags: tags}, nil

	case iot.ReqDeviceCommand:
		if err := foreign("tags"); err != nil {
			return nil, err
		}
		if w.ID == nil || w.DeviceID == nil || w.Method == nil || w.Params == nil {
			return nil, invalidf("type=%s id, uuid, method, params required", w.Type)
		}
		params, err := paramsText(w.Params)
		if err != nil {
			return nil, err
		}
		return &iot.DeviceCommand{
			ID:       *w.ID,
			DeviceID: *w.DeviceID,
			Method:   *w.Method,
			Params:   params,
		}, nil

	case "":
		return nil, invalidf("type required")
	default:
		return nil, invalidf("unknown type=%q", w.Type)
	}
}

// duplicateField returns first repeated top level key.
// Malformed input is left for Unmarshal to report.
func duplicateField(b []byte) string {
	iter := api.BorrowIterator(b)
	defer api.ReturnIterator(iter)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return ""
	}
	var dup string
	seen := make(map[string]struct{}, 8)
	iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		if _, ok := seen[field]; ok {
			dup = field
			return false
		}
		seen[field] = struct{}{}
		it.Skip()
		return it.Error == nil
	})
	return dup
}

// JSON string params are stored unquoted, anything else as compact JSON text.
func paramsText(raw jsoniter.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) != 0 && raw[0] == '"' {
		var s string
		if err := api.Unmarshal(raw, &s); err != nil {
			return "", invalidf("params %v", err)
		}
		return s, nil
	}
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var compact bytes.Buffer
	if err := compactJSON(&compact, raw); err != nil {
		return "", invalidf("params %v", err)
	}
	return compact.String(), nil
}

// compactJSON drops insignificant whitespace outside of strings.
func compactJSON(dst *bytes.Buffer, src []byte) error {
	if !api.Valid(src) {
		return errors.NotValidf("json")
	}
	inString, escaped := false, false
	for _, c := range src {
		if inString {
			dst.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case ' ', '\t', '\r', '\n':
		case '"':
			inString = true
			dst.WriteByte(c)
		default:
			dst.WriteByte(c)
		}
	}
	return nil
}

// ValidateDeviceCommand reports whether every field is non-empty and within limits.
func ValidateDeviceCommand(cmd *iot.DeviceCommand, lim config.Limits) bool {
	if cmd == nil {
		return false
	}
	return nonEmptyWithin(cmd.ID, lim.MaxCommandIDLen) &&
		nonEmptyWithin(cmd.DeviceID, lim.MaxDeviceIDLen) &&
		nonEmptyWithin(cmd.Method, lim.MaxCommandMethodLen) &&
		nonEmptyWithin(cmd.Params, lim.MaxCommandParamsLen)
}

func nonEmptyWithin(s string, limit int) bool { return s != "" && !over(s, limit) }

// Limits count bytes, strings must also be valid UTF-8.
func over(s string, limit int) bool {
	return (limit > 0 && len(s) > limit) || !utf8.ValidString(s)
}
