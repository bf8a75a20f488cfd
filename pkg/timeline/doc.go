// ABOUTME: Timeline selector package
// ABOUTME: Typed view of the timelines a content source offers
// Package timeline parses timeline selectors announced over content
// identification messages.
//
// Example:
//
//	sel := timeline.Parse("urn:dvb:css:timeline:pts", 90000, 1)
//	if sel.Kind == timeline.KindPTS { ... }
package timeline
