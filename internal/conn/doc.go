// Package conn owns the persistent channel between the client and the chat
// server.
//
// # Overview
//
// A Manager holds at most one websocket connection and a four-state
// lifecycle: disconnected, connecting, open, closing. Every transition is
// published on the bus under EventState, so dependents react to the channel
// without polling it.
//
// # Reconnection
//
// An abnormal closure (anything but a clean close frame or a manual
// Disconnect) schedules a reconnect after BaseDelay*2^attempt. Consecutive
// failures are bounded by MaxAttempts; exhausting the bound publishes the
// terminal EventFailed and stops automatic retry until an explicit Connect.
// A successful open resets the attempt counter.
//
// # Dispatch
//
// Each inbound frame is decoded just enough to read its type tag, then
// published twice: under the frame type and under the generic events.Topic.
// Malformed frames are logged and dropped at this boundary. Ping frames are
// answered with pong before dispatch continues.
package conn
