// ABOUTME: Tests for the wallclock wire format
// ABOUTME: Verifies byte layout, timestamp splitting and short-frame handling
package wallclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLayout(t *testing.T) {
	b, err := NewRequest(3_000_000_123).MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, MessageSize)

	assert.Equal(t, byte(0), b[0], "version")
	assert.Equal(t, byte(TypeRequest), b[1], "type")
	// origin seconds = 3, origin nanos = 123
	assert.Equal(t, []byte{0, 0, 0, 3}, b[8:12])
	assert.Equal(t, []byte{0, 0, 0, 123}, b[12:16])
	assert.Equal(t, make([]byte, 16), b[16:32], "receive/transmit must be zero")
}

func TestMessageRoundTrip(t *testing.T) {
	in := Message{
		Version:      ProtocolVersion,
		Type:         TypeFollowUp,
		Precision:    -10,
		MaxFreqError: 256 * 50,
		OriginTime:   TimestampFromNanos(1_500_000_000),
		ReceiveTime:  TimestampFromNanos(2_000_000_001),
		TransmitTime: TimestampFromNanos(2_000_000_999),
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	var out Message
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
	assert.InDelta(t, 50.0, out.MaxFreqErrorPPM(), 1e-9)
}

func TestUnmarshalShortFrame(t *testing.T) {
	var m Message
	err := m.UnmarshalBinary(make([]byte, MessageSize-1))
	assert.Error(t, err)
}

func TestTimestampSplit(t *testing.T) {
	ts := TimestampFromNanos(12_345_678_901)
	assert.Equal(t, uint32(12), ts.Seconds)
	assert.Equal(t, uint32(345_678_901), ts.Nanos)
	assert.Equal(t, int64(12_345_678_901), ts.Int64())
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "followup", TypeFollowUp.String())
	assert.Equal(t, "unknown(9)", MessageType(9).String())
}
