// Package dualcall implements request/response correlation over the push
// channel with an HTTP fallback.
//
// A request whose natural response is a push-style frame must still
// complete when the push never arrives: the server restarted, the frame
// was dropped, the channel was closed all along. Do sends the request over
// the channel, registers one-shot handlers for the expected success type
// (filtered by correlation key) and the generic error type, and arms a
// timer. The first branch to fire wins; the others are blocked by a
// settled guard and unregistered. The error and timeout branches complete
// the call through the HTTP-equivalent fallback.
//
// Used uniformly for get_chats, get_chat and get_general_info.
package dualcall
