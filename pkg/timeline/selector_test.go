// ABOUTME: Tests for timeline selector parsing
// ABOUTME: Covers every kind, optional parameters and unit conversion
package timeline

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKinds(t *testing.T) {
	tests := []struct {
		selector string
		want     Kind
	}{
		{"tag:1:1:1:pts", KindPTS},
		{"urn:dvb:css:timeline:PTS", KindPTS},
		{"urn:dvb:css:timeline:ct", KindContentTime},
		{"urn:dvb:css:timeline:temi:1:2", KindTemiComponent},
		{"urn:dvb:css:timeline:tsap:3:4", KindTsAdaptationField},
		{"urn:dvb:css:timeline:mpd:period:rel", KindMpdPeriodRelative},
		{"urn:dvb:css:timeline:other", KindUnknown},
		{"urn:dvb:css:timeline", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			sel := Parse(tt.selector, -1, -1)
			assert.Equal(t, tt.want, sel.Kind)
			assert.Equal(t, tt.selector, sel.Raw)
		})
	}
}

func TestComponentParams(t *testing.T) {
	sel := Parse("urn:dvb:css:timeline:temi:1:2", 1000, 1)
	require.NotNil(t, sel.ComponentTag)
	require.NotNil(t, sel.TimelineID)
	assert.Equal(t, 1, *sel.ComponentTag)
	assert.Equal(t, 2, *sel.TimelineID)

	bad := Parse("urn:dvb:css:timeline:tsap:x:2", 1000, 1)
	assert.Equal(t, KindTsAdaptationField, bad.Kind)
	assert.Nil(t, bad.ComponentTag)
	assert.Nil(t, bad.TimelineID)
}

func TestParseWholeSelector(t *testing.T) {
	ticks := 90000
	period := "p7"
	want := Selector{
		Raw:            "urn:dvb:css:timeline:mpd:period:rel:90000:p7",
		Kind:           KindMpdPeriodRelative,
		UnitsPerSecond: 1000,
		UnitsPerTick:   1,
		TicksPerSecond: &ticks,
		PeriodID:       &period,
	}
	got := Parse("urn:dvb:css:timeline:mpd:period:rel:90000:p7", 1000, 1)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestMpdParams(t *testing.T) {
	eight := Parse("urn:dvb:css:timeline:mpd:1:2:90000", -1, -1)
	assert.Equal(t, KindMpdPeriodRelative, eight.Kind)
	require.NotNil(t, eight.TicksPerSecond)
	assert.Equal(t, 90000, *eight.TicksPerSecond)
	assert.Nil(t, eight.PeriodID)

	nine := Parse("urn:dvb:css:timeline:mpd:1:2:90000:3", -1, -1)
	require.NotNil(t, nine.TicksPerSecond)
	require.NotNil(t, nine.PeriodID)
	assert.Equal(t, "3", *nine.PeriodID)

	bad := Parse("urn:dvb:css:timeline:mpd:1:2:fast", -1, -1)
	assert.Equal(t, KindMpdPeriodRelative, bad.Kind)
	assert.Nil(t, bad.TicksPerSecond)
}

func TestConversions(t *testing.T) {
	sel := Parse("urn:dvb:css:timeline:pts", 90000, 1)

	secs, ok := sel.ContentTimeToPresentationTime(900000)
	require.True(t, ok)
	assert.Equal(t, int64(10), secs)

	ticks, ok := sel.MillisToContentTime(1500)
	require.True(t, ok)
	assert.Equal(t, int64(135000), ticks)

	d, ok := sel.UnitsToDuration(45000)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)

	units, ok := sel.DurationToUnits(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(180000), units)

	rate, ok := sel.TickRate()
	require.True(t, ok)
	assert.Equal(t, 90000.0, rate)
}

func TestConversionsWithoutProperties(t *testing.T) {
	sel := Parse("urn:dvb:css:timeline:pts", -1, -1)

	_, ok := sel.ContentTimeToPresentationTime(900000)
	assert.False(t, ok)
	_, ok = sel.MillisToContentTime(1000)
	assert.False(t, ok)
	_, ok = sel.UnitsToDuration(1)
	assert.False(t, ok)
	_, ok = sel.TickRate()
	assert.False(t, ok)

	// more units per tick than per second truncates the integer rate to zero
	slow := Parse("urn:dvb:css:timeline:ct", 1, 1000)
	_, ok = slow.ContentTimeToPresentationTime(10)
	assert.False(t, ok)
}
