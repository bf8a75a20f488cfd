// ABOUTME: Content presentation and content-id status values
// ABOUTME: Tolerant parsing of the status strings sent in CII messages
package protocol

import "strings"

// PresentationStatus describes the state of presentation on the reference device
type PresentationStatus int

const (
	PresentationUnknown PresentationStatus = iota
	PresentationOkay
	PresentationTransitioning
	PresentationFault
)

var presentationNames = map[PresentationStatus]string{
	PresentationUnknown:       "unknown",
	PresentationOkay:          "okay",
	PresentationTransitioning: "transitioning",
	PresentationFault:         "fault",
}

func (s PresentationStatus) String() string {
	if name, ok := presentationNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParsePresentationStatus maps a status string case-insensitively.
// Unrecognised values, including the literal "null", map to PresentationUnknown.
func ParsePresentationStatus(s string) PresentationStatus {
	for status, name := range presentationNames {
		if strings.EqualFold(name, s) {
			return status
		}
	}
	return PresentationUnknown
}

// ContentIDStatus says whether the announced content id is complete
type ContentIDStatus int

const (
	ContentIDUnknown ContentIDStatus = iota
	ContentIDPartial
	ContentIDFinal
)

var contentIDNames = map[ContentIDStatus]string{
	ContentIDUnknown: "unknown",
	ContentIDPartial: "partial",
	ContentIDFinal:   "final",
}

func (s ContentIDStatus) String() string {
	if name, ok := contentIDNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseContentIDStatus maps a status string case-insensitively.
// Unrecognised values, including the literal "null", map to ContentIDUnknown.
func ParseContentIDStatus(s string) ContentIDStatus {
	for status, name := range contentIDNames {
		if strings.EqualFold(name, s) {
			return status
		}
	}
	return ContentIDUnknown
}
