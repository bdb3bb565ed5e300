// Package gateway issues outbound HTTP calls with consistent credential
// handling and resilience.
//
// # Overview
//
// Every call obtains a valid bearer token from the credential store before
// sending and attaches it as an Authorization header. Transient failures
// (network errors, 5xx) are retried with exponential backoff and jitter,
// bounded by the configured retry count; other 4xx responses are surfaced
// immediately as an *APIError and never retried.
//
// # The 401 cycle
//
// A 401 response triggers exactly one {force refresh, resend} cycle. The
// cycle cannot recurse: a second 401, or a failed refresh, broadcasts the
// unauthorized event and returns the failure.
//
// # Uploads
//
// Uploads use a separate non-retrying client because callers need
// incremental progress, which transparent retries would corrupt. The 401
// cycle still applies, with the body reopened for the second attempt.
package gateway
