// ABOUTME: Timeline selector model
// ABOUTME: Parses "urn:...:<type>[:params]" selectors and converts content time units
package timeline

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies the timeline type named by a selector
type Kind int

const (
	KindUnknown Kind = iota
	KindPTS
	KindContentTime
	KindTemiComponent
	KindTsAdaptationField
	KindMpdPeriodRelative
)

func (k Kind) String() string {
	switch k {
	case KindPTS:
		return "pts"
	case KindContentTime:
		return "ct"
	case KindTemiComponent:
		return "temi"
	case KindTsAdaptationField:
		return "tsap"
	case KindMpdPeriodRelative:
		return "mpd"
	default:
		return "unknown"
	}
}

// typeField is the selector field holding the timeline type tag
const typeField = 4

var kindTags = map[string]Kind{
	"pts":  KindPTS,
	"ct":   KindContentTime,
	"temi": KindTemiComponent,
	"tsap": KindTsAdaptationField,
	"mpd":  KindMpdPeriodRelative,
}

// Selector is a parsed timeline selector together with its tick rate.
// Values are immutable once parsed.
type Selector struct {
	ID             int    // assigned by the owning engine, 0 when unassigned
	Raw            string // selector exactly as received
	Kind           Kind
	UnitsPerSecond int // -1 when unknown
	UnitsPerTick   int // -1 when unknown

	// TEMI and TSAP parameters
	ComponentTag *int
	TimelineID   *int

	// MPD parameters
	TicksPerSecond *int
	PeriodID       *string
}

// Parse builds a Selector from the raw selector string and the timeline
// properties that accompany it. Pass -1 for properties that are absent.
// Parse never fails: unrecognised selectors yield KindUnknown and malformed
// parameters are left unset.
func Parse(raw string, unitsPerSecond, unitsPerTick int) Selector {
	s := Selector{
		Raw:            raw,
		Kind:           KindUnknown,
		UnitsPerSecond: unitsPerSecond,
		UnitsPerTick:   unitsPerTick,
	}

	fields := strings.Split(raw, ":")
	if len(fields) <= typeField {
		return s
	}

	kind, ok := kindTags[strings.ToLower(fields[typeField])]
	if !ok {
		return s
	}
	s.Kind = kind

	switch kind {
	case KindTemiComponent, KindTsAdaptationField:
		s.parseComponentParams(fields)
	case KindMpdPeriodRelative:
		s.parseMpdParams(fields)
	}

	return s
}

func (s *Selector) parseComponentParams(fields []string) {
	if len(fields) < 7 {
		log.Debug().Str("selector", s.Raw).Msg("selector has no component tag or timeline id")
		return
	}
	tag, err1 := strconv.Atoi(fields[5])
	id, err2 := strconv.Atoi(fields[6])
	if err1 != nil || err2 != nil {
		log.Debug().Str("selector", s.Raw).Msg("cannot parse component tag or timeline id")
		return
	}
	s.ComponentTag = &tag
	s.TimelineID = &id
}

func (s *Selector) parseMpdParams(fields []string) {
	if len(fields) != 8 && len(fields) != 9 {
		return
	}
	ticks, err := strconv.Atoi(fields[7])
	if err != nil {
		log.Debug().Str("selector", s.Raw).Msg("cannot parse mpd ticks per second")
		return
	}
	s.TicksPerSecond = &ticks
	if len(fields) == 9 && fields[8] != "" {
		period := fields[8]
		s.PeriodID = &period
	}
}

// TickRate returns ticks per second (unitsPerSecond/unitsPerTick).
// It reports false when either property is unknown.
func (s Selector) TickRate() (float64, bool) {
	if s.UnitsPerSecond <= 0 || s.UnitsPerTick <= 0 {
		return 0, false
	}
	return float64(s.UnitsPerSecond) / float64(s.UnitsPerTick), true
}

// ContentTimeToPresentationTime converts a content time in ticks to whole
// seconds of presentation time.
func (s Selector) ContentTimeToPresentationTime(ticks int64) (int64, bool) {
	rate := s.intRate()
	if rate <= 0 {
		return 0, false
	}
	return ticks / rate, true
}

// MillisToContentTime converts a presentation position in milliseconds to
// content time ticks.
func (s Selector) MillisToContentTime(ms int64) (int64, bool) {
	rate := s.intRate()
	if rate <= 0 {
		return 0, false
	}
	return ms * rate / 1000, true
}

func (s Selector) intRate() int64 {
	if s.UnitsPerSecond <= 0 || s.UnitsPerTick <= 0 {
		return 0
	}
	return int64(s.UnitsPerSecond / s.UnitsPerTick)
}

// UnitsToDuration converts timeline units to a duration using unitsPerSecond
func (s Selector) UnitsToDuration(units int64) (time.Duration, bool) {
	if s.UnitsPerSecond <= 0 {
		return 0, false
	}
	return time.Duration(math.Round(float64(units) * float64(time.Second) / float64(s.UnitsPerSecond))), true
}

// DurationToUnits converts a duration to timeline units using unitsPerSecond
func (s Selector) DurationToUnits(d time.Duration) (int64, bool) {
	if s.UnitsPerSecond <= 0 {
		return 0, false
	}
	return int64(math.Round(float64(d) * float64(s.UnitsPerSecond) / float64(time.Second))), true
}

func (s Selector) String() string {
	return s.Raw
}
