package verifier

import (
	"errors"
	"fmt"
)

var (
	// ErrNoItemsRequests is returned when a session is created without any
	// requested attributes.
	ErrNoItemsRequests = errors.New("verifier: items requests cannot be empty")

	// ErrUnknownUseCase is returned when the use case identifier is not
	// registered.
	ErrUnknownUseCase = errors.New("verifier: unknown use case")

	// ErrReturnURLConfigurationMismatch is returned when the presence of a
	// return URL template contradicts the use case's return URL policy.
	ErrReturnURLConfigurationMismatch = errors.New("verifier: return URL configuration mismatch")

	// ErrMissingSAN is returned when the relying party certificate carries no
	// DNS subject alternative name to derive the client_id from.
	ErrMissingSAN = errors.New("verifier: certificate has no DNS subject alternative name")

	// ErrUnknownSession is returned when the session token is not in the store.
	ErrUnknownSession = errors.New("verifier: unknown session")

	// ErrSessionNotDone is returned when disclosed attributes are requested for
	// a session that has not successfully finished.
	ErrSessionNotDone = errors.New("verifier: session is not done")

	// ErrRedirectURIMissing is returned when the session bound a redirect URI
	// nonce but the caller presented none.
	ErrRedirectURIMissing = errors.New("verifier: redirect URI nonce is missing")

	// ErrRedirectURIMismatch is returned when the presented redirect URI nonce
	// does not match the one bound to the session.
	ErrRedirectURIMismatch = errors.New("verifier: redirect URI nonce mismatch")

	// ErrInvalidEphemeralID is returned when the ephemeral ID does not match
	// the HMAC recomputed from the session token and timestamp.
	ErrInvalidEphemeralID = errors.New("verifier: invalid ephemeral ID")

	// ErrExpiredEphemeralID is returned when the ephemeral ID's timestamp is
	// older than the validity window.
	ErrExpiredEphemeralID = errors.New("verifier: expired ephemeral ID")
)

// ErrUnexpectedState is returned when an operation is attempted against a
// session that is not in the phase the operation consumes.
type ErrUnexpectedState struct {
	Phase string
}

func (e ErrUnexpectedState) Error() string {
	return fmt.Sprintf("verifier: session in unexpected state %s", e.Phase)
}

// StoreError wraps a session store failure. The state machine performs no
// retries itself; callers decide whether a store failure is transient.
type StoreError struct {
	Op    string
	Token SessionToken
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session store %s %s: %v", e.Op, e.Token, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
