// ABOUTME: Documentation for the conversation cache package
// ABOUTME: Explains the merge discipline and the no-rollback limitation

// Package cache reconciles conversation and message state no matter which
// path delivered it: a channel push, a fetch response, or an optimistic
// local mutation.
//
// Every mutation goes through a documented merge operation keyed by message
// id, which is the one place the no-duplicate-id invariant is enforced.
// Fetches replace a conversation's message list wholesale, so a push applied
// while a fetch was in flight can be overwritten by it; that is accepted.
//
// Optimistic edits and deletes have no rollback path. If the server later
// rejects the instruction the cache stays ahead of the server until the next
// fetch. This is a known limitation, not an oversight.
package cache
