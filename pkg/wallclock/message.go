// ABOUTME: Wallclock protocol wire format
// ABOUTME: Encodes and decodes the fixed 32-byte big-endian request/response frame
package wallclock

import (
	"encoding/binary"
	"fmt"
)

const (
	// MessageSize is the length of every wallclock datagram
	MessageSize = 32

	// ProtocolVersion is the only version this client speaks
	ProtocolVersion = 0

	nanosPerSecond = 1_000_000_000
)

// MessageType is the value of byte 1 of a wallclock frame
type MessageType uint8

const (
	TypeRequest              MessageType = 0
	TypeResponse             MessageType = 1
	TypeResponseWithFollowUp MessageType = 2
	TypeFollowUp             MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeResponseWithFollowUp:
		return "response-with-followup"
	case TypeFollowUp:
		return "followup"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Timestamp is a seconds/nanoseconds pair as carried on the wire
type Timestamp struct {
	Seconds uint32
	Nanos   uint32
}

// TimestampFromNanos splits a nanosecond count into its wire representation
func TimestampFromNanos(ns int64) Timestamp {
	return Timestamp{
		Seconds: uint32(ns / nanosPerSecond),
		Nanos:   uint32(ns % nanosPerSecond),
	}
}

// Int64 joins the pair back into nanoseconds
func (t Timestamp) Int64() int64 {
	return int64(t.Seconds)*nanosPerSecond + int64(t.Nanos)
}

// Message is one decoded wallclock frame
type Message struct {
	Version      uint8
	Type         MessageType
	Precision    int8   // log2 seconds
	MaxFreqError uint32 // 1/256 ppm
	OriginTime   Timestamp
	ReceiveTime  Timestamp
	TransmitTime Timestamp
}

// NewRequest builds a request frame stamped with the local send time t1
func NewRequest(originNanos int64) Message {
	return Message{
		Version:    ProtocolVersion,
		Type:       TypeRequest,
		OriginTime: TimestampFromNanos(originNanos),
	}
}

// MaxFreqErrorPPM converts the max frequency error field to parts per million
func (m Message) MaxFreqErrorPPM() float64 {
	return float64(m.MaxFreqError) / 256
}

// MarshalBinary encodes the message as a 32-byte frame
func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, MessageSize)
	b[0] = m.Version
	b[1] = byte(m.Type)
	b[2] = byte(m.Precision)
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:8], m.MaxFreqError)
	putTimestamp(b[8:16], m.OriginTime)
	putTimestamp(b[16:24], m.ReceiveTime)
	putTimestamp(b[24:32], m.TransmitTime)
	return b, nil
}

// UnmarshalBinary decodes a frame. Version and type are not validated here.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < MessageSize {
		return fmt.Errorf("wallclock frame too short: %d bytes", len(b))
	}
	m.Version = b[0]
	m.Type = MessageType(b[1])
	m.Precision = int8(b[2])
	m.MaxFreqError = binary.BigEndian.Uint32(b[4:8])
	m.OriginTime = readTimestamp(b[8:16])
	m.ReceiveTime = readTimestamp(b[16:24])
	m.TransmitTime = readTimestamp(b[24:32])
	return nil
}

func putTimestamp(b []byte, t Timestamp) {
	binary.BigEndian.PutUint32(b[0:4], t.Seconds)
	binary.BigEndian.PutUint32(b[4:8], t.Nanos)
}

func readTimestamp(b []byte) Timestamp {
	return Timestamp{
		Seconds: binary.BigEndian.Uint32(b[0:4]),
		Nanos:   binary.BigEndian.Uint32(b[4:8]),
	}
}
