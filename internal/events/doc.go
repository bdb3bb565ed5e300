// ABOUTME: Package documentation for the events bus
// ABOUTME: Explains dispatch ordering and the one-shot handler contract

// Package events provides the in-memory typed event bus that connects the
// channel, the credential store and the conversation cache.
//
// Every inbound frame is published twice: once under its own frame type and
// once under the catch-all Topic. Subscribers used for request correlation
// register a handler for the expected response type and must unsubscribe it
// themselves once it has fired or been abandoned — the bus keeps handlers
// registered until told otherwise.
//
// Dispatch is synchronous and ordered: handlers for one topic run in
// registration order on the publisher's goroutine. Within one conversation
// this is what guarantees pushes apply to the cache in arrival order.
package events
