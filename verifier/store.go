package verifier

import "context"

// SessionStore persists session state between the HTTP round trips of a
// disclosure session. Get returns (nil, nil) when the token is unknown.
//
// The state machine reads one session, computes a transition and writes the
// new state back without holding a lock across the gap, so implementations
// must serialize concurrent writes to the same token (a mutex, a row lock or
// an atomic SET). Writes to different tokens are independent.
type SessionStore interface {
	Get(ctx context.Context, token SessionToken) (*SessionState, error)
	Write(ctx context.Context, state *SessionState, isNew bool) error
}
