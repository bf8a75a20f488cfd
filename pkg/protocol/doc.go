// ABOUTME: CII and TS protocol package
// ABOUTME: Message decoding and WebSocket clients for content and timeline sync
// Package protocol implements the content identification (CII) and timeline
// synchronisation (TS) WebSocket protocols.
//
// Both clients dial in the background and report everything that happens
// on the connection as events, in arrival order.
//
// Example:
//
//	cii := protocol.NewCIIClient(protocol.CIIConfig{URL: "ws://tv.local:7681/cii"})
//	err := cii.Connect(ctx)
//	for ev := range cii.Events() { ... }
package protocol
