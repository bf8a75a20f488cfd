// ABOUTME: CII and TS message type definitions
// ABOUTME: Field-tolerant decoding of content identification and control timestamp JSON
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidURL is returned for endpoint URLs without a scheme or host
var ErrInvalidURL = errors.New("invalid endpoint url")

// TimelineOption is one entry of the CII "timelines" array
type TimelineOption struct {
	Selector       string
	UnitsPerSecond int // -1 when absent
	UnitsPerTick   int // -1 when absent
}

// CIIMessage is a decoded content identification message. Pointer fields are
// nil when the key was absent; a JSON null is reported as an empty string.
type CIIMessage struct {
	PresentationStatus PresentationStatus
	ContentIDStatus    ContentIDStatus
	TSURL              *string
	WCURL              *string
	ProtocolVersion    *string
	ContentID          *string

	// HasTimelines is true when the message carried a timelines array
	HasTimelines bool
	Timelines    []TimelineOption

	Raw json.RawMessage
}

// SetupData is sent once on a new timeline synchronisation connection
type SetupData struct {
	ContentIDStem    *string `json:"contentIdStem,omitempty"`
	TimelineSelector string  `json:"timelineSelector"`
}

// SyncProperties is the latest state reported by the timeline server
type SyncProperties struct {
	Available              bool
	SpeedMultiplier        float32
	RemoteWallclockNanos   int64
	RemoteContentTimeUnits int64
}

// ProtocolVersion is the "<major>.<minor>" version announced over CII
type ProtocolVersion struct {
	Major int
	Minor int
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseProtocolVersion parses "<major>.<minor>"
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return ProtocolVersion{}, fmt.Errorf("malformed protocol version %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("malformed protocol version %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("malformed protocol version %q: %w", s, err)
	}
	return ProtocolVersion{Major: major, Minor: minor}, nil
}

// ParseEndpointURL parses a ws/wss/udp endpoint URL. The URL must carry a
// scheme and a host.
func ParseEndpointURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, s)
	}
	return u, nil
}

// DecodeCII decodes a CII message. Only malformed JSON is an error; unknown
// or missing fields fall back to defaults.
func DecodeCII(data []byte) (*CIIMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse CII message: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("CII message is not an object")
	}

	msg := &CIIMessage{Raw: json.RawMessage(bytes.Clone(data))}

	if s, ok := optString(fields, "presentationStatus"); ok {
		msg.PresentationStatus = ParsePresentationStatus(s)
	}
	if s, ok := optString(fields, "contentIdStatus"); ok {
		msg.ContentIDStatus = ParseContentIDStatus(s)
	}
	if s, ok := optString(fields, "tsUrl"); ok {
		msg.TSURL = &s
	}
	if s, ok := optString(fields, "wcUrl"); ok {
		msg.WCURL = &s
	}
	if s, ok := optString(fields, "protocolVersion"); ok {
		msg.ProtocolVersion = &s
	}
	if s, ok := optString(fields, "contentId"); ok {
		msg.ContentID = &s
	}

	// a timelines value that is not an array is treated as absent
	var entries []json.RawMessage
	if raw, ok := fields["timelines"]; ok && json.Unmarshal(raw, &entries) == nil && entries != nil {
		msg.HasTimelines = true
		msg.Timelines = make([]TimelineOption, 0, len(entries))
		for i, entry := range entries {
			opt, err := decodeTimelineOption(entry)
			if err != nil {
				return nil, fmt.Errorf("failed to parse CII timeline %d: %w", i, err)
			}
			msg.Timelines = append(msg.Timelines, opt)
		}
	}

	return msg, nil
}

func decodeTimelineOption(raw json.RawMessage) (TimelineOption, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TimelineOption{}, err
	}
	if fields == nil {
		return TimelineOption{}, fmt.Errorf("timeline entry is null")
	}

	opt := TimelineOption{UnitsPerSecond: -1, UnitsPerTick: -1}
	opt.Selector, _ = optString(fields, "timelineSelector")

	if propsRaw, ok := fields["timelineProperties"]; ok {
		var props map[string]json.RawMessage
		if err := json.Unmarshal(propsRaw, &props); err == nil {
			opt.UnitsPerSecond = optInt(props, "unitsPerSecond", -1)
			opt.UnitsPerTick = optInt(props, "unitsPerTick", -1)
		}
	}
	return opt, nil
}

// DecodeControlTimestamp decodes a TS control timestamp. Numeric fields may
// be sent as JSON numbers or as strings. The timeline is available only when
// both timelineSpeedMultiplier and contentTime are present and not "null".
func DecodeControlTimestamp(data []byte) (SyncProperties, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return SyncProperties{}, fmt.Errorf("failed to parse control timestamp: %w", err)
	}
	if fields == nil {
		return SyncProperties{}, fmt.Errorf("control timestamp is not an object")
	}

	props := SyncProperties{RemoteWallclockNanos: -1, RemoteContentTimeUnits: -1}
	var hasSpeed, hasContentTime bool

	if text, null, ok := scalarText(fields, "timelineSpeedMultiplier"); ok && !null {
		speed, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return SyncProperties{}, fmt.Errorf("invalid timelineSpeedMultiplier %q: %w", text, err)
		}
		props.SpeedMultiplier = float32(speed)
		hasSpeed = true
	}

	if text, null, ok := scalarText(fields, "wallClockTime"); ok && !null {
		wc, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return SyncProperties{}, fmt.Errorf("invalid wallClockTime %q: %w", text, err)
		}
		props.RemoteWallclockNanos = wc
	}

	if text, null, ok := scalarText(fields, "contentTime"); ok {
		if null {
			props.RemoteContentTimeUnits = 0
		} else {
			ct, err := strconv.ParseInt(text, 10, 64)
			if err != nil {
				return SyncProperties{}, fmt.Errorf("invalid contentTime %q: %w", text, err)
			}
			props.RemoteContentTimeUnits = ct
			hasContentTime = true
		}
	}

	props.Available = hasSpeed && hasContentTime
	return props, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// optString returns a field as text. JSON null yields "", non-string scalars
// yield their literal text.
func optString(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	if isNull(raw) {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(bytes.TrimSpace(raw)), true
}

func optInt(fields map[string]json.RawMessage, key string, def int) int {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return def
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return def
		}
		n = json.Number(s)
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return def
		}
		return int(f)
	}
	return int(v)
}

// scalarText returns a field's text and whether it is null (JSON null or the
// string "null" in any case).
func scalarText(fields map[string]json.RawMessage, key string) (text string, null bool, ok bool) {
	raw, present := fields[key]
	if !present {
		return "", false, false
	}
	if isNull(raw) {
		return "", true, true
	}
	text, _ = optString(fields, key)
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, "null") {
		return "", true, true
	}
	return text, false, true
}
