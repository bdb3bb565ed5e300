// ABOUTME: Documentation for the session package
// ABOUTME: Names the object graph and the lifecycle it coordinates

// Package session wires the whole client together: one connection manager,
// one credential store, one HTTP gateway, one dual-transport caller and one
// conversation cache, all sharing a single event bus and cookie jar.
//
// A Session is constructed once and carries the user from login (or resume
// via the renewal cookie) through live sync to logout. Collaborators never
// construct these pieces themselves; they receive the Session by reference.
package session
