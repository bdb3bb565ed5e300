// Package creds owns the access credential and its renewal.
//
// # Overview
//
// The Store holds the one piece of truly shared mutable state in the client:
// the bearer token and its decoded expiry. All reads that need a valid token
// go through RefreshIfNeeded, which treats a token within 120 seconds of
// expiry as already expired so that requests started near the deadline don't
// race a mid-flight rejection.
//
// # Single-flight renewal
//
// At most one renewal is in flight at any time. Concurrent callers await the
// same underlying call and all observe its result; the guard is released
// when the renewal settles. This is the mutex substitute guarding the
// credential.
//
// # Strategies
//
// ChannelRefresh asks for a token over the open channel and falls back to
// HTTPRefresh (POST /api/refresh_token/, authenticated by an httpOnly
// cookie) on any failure, inside the same renewal attempt. A hard rejection
// of the renewal credential clears the store and publishes the unauthorized
// event, which collaborators treat as a local logout.
package creds
