package verifier

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
)

// SessionToken identifies one disclosure session. Opaque and random; the
// ephemeral ID mechanism keeps it out of guessable polling URLs.
type SessionToken string

func NewSessionToken() SessionToken {
	return SessionToken(uuid.New().String())
}

// Status is the externally visible session status.
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusWaitingForResponse Status = "WAITING_FOR_RESPONSE"
	StatusDone               Status = "DONE"
	StatusFailed             Status = "FAILED"
	StatusCancelled          Status = "CANCELLED"
	StatusExpired            Status = "EXPIRED"
)

// SessionType distinguishes the same-device redirect flow from the
// cross-device QR flow; it decides whether a return URL applies.
type SessionType string

const (
	SessionTypeSameDevice  SessionType = "same_device"
	SessionTypeCrossDevice SessionType = "cross_device"
)

func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(s) {
	case SessionTypeSameDevice, SessionTypeCrossDevice:
		return SessionType(s), nil
	}
	return "", fmt.Errorf("invalid session_type: %q", s)
}

// DisclosureData is the per-phase payload of a session. A session holds
// exactly one variant at a time; transitions consume one variant and produce
// the next, never mutating in place.
type DisclosureData interface {
	phase() string
}

const (
	phaseCreated            = "created"
	phaseWaitingForResponse = "waiting_for_response"
	phaseDone               = "done"
)

// Created holds everything fixed at session creation, before the holder has
// fetched the authorization request.
type Created struct {
	ItemsRequests     mdoc.ItemsRequests `json:"items_requests"`
	UseCaseID         string             `json:"usecase_id"`
	ClientID          string             `json:"client_id"`
	ReturnURLTemplate string             `json:"return_url_template,omitempty"`
}

func (Created) phase() string { return phaseCreated }

// RedirectURI is the filled-in return URL handed to the wallet after the
// response, with the nonce that later binds the disclosed-attributes fetch to
// the same browser session.
type RedirectURI struct {
	URI   string `json:"uri"`
	Nonce string `json:"nonce"`
}

// WaitingForResponse holds what the response handler needs: the ephemeral
// decryption key, the values that went into the signed request (to rebuild
// the session transcript), and the original items requests for matching.
type WaitingForResponse struct {
	AuthorizationRequest string             `json:"authorization_request"`
	EncryptionKey        []byte             `json:"encryption_key"` // SEC 1 DER
	Nonce                string             `json:"nonce"`
	State                string             `json:"state"`
	ClientID             string             `json:"client_id"`
	ResponseURI          string             `json:"response_uri"`
	ItemsRequests        mdoc.ItemsRequests `json:"items_requests"`
	RedirectURI          *RedirectURI       `json:"redirect_uri,omitempty"`
}

func (WaitingForResponse) phase() string { return phaseWaitingForResponse }

// DecryptionKey returns the session's ephemeral private key for JWE
// decryption.
func (w WaitingForResponse) DecryptionKey() (*ecdsa.PrivateKey, error) {
	key, err := x509.ParseECPrivateKey(w.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session encryption key: %w", err)
	}
	return key, nil
}

// ReaderKey returns the same key in ECDH form, used to derive the device MAC
// key when the holder MACs instead of signs.
func (w WaitingForResponse) ReaderKey() (*ecdh.PrivateKey, error) {
	key, err := w.DecryptionKey()
	if err != nil {
		return nil, err
	}
	ecdhKey, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDH private key: %w", err)
	}
	return ecdhKey, nil
}

// SessionResult is the terminal outcome of a session. Status is one of DONE,
// FAILED, CANCELLED or EXPIRED; DisclosedAttributes is set only for DONE.
// Error holds the string rendering of the failure, never the structured
// error.
type SessionResult struct {
	Status              Status                   `json:"status"`
	DisclosedAttributes mdoc.DisclosedAttributes `json:"disclosed_attributes,omitempty"`
	RedirectURINonce    string                   `json:"redirect_uri_nonce,omitempty"`
	Error               string                   `json:"error,omitempty"`
}

// Done is terminal; no transition leaves it.
type Done struct {
	Result SessionResult `json:"result"`
}

func (Done) phase() string { return phaseDone }

// Transitions. Each consumes the prior phase value and yields the next
// variant; the caller wraps it in a fresh SessionState for the store.

func (c Created) Fail(err error) Done {
	return Done{Result: SessionResult{Status: StatusFailed, Error: err.Error()}}
}

func (w WaitingForResponse) Finish(attrs mdoc.DisclosedAttributes) Done {
	result := SessionResult{
		Status:              StatusDone,
		DisclosedAttributes: attrs,
	}
	if w.RedirectURI != nil {
		result.RedirectURINonce = w.RedirectURI.Nonce
	}
	return Done{Result: result}
}

func (w WaitingForResponse) Cancel() Done {
	return Done{Result: SessionResult{Status: StatusCancelled}}
}

func (w WaitingForResponse) Fail(err error) Done {
	return Done{Result: SessionResult{Status: StatusFailed, Error: err.Error()}}
}

// SessionState is the persisted envelope around one phase payload.
type SessionState struct {
	Token      SessionToken
	LastActive time.Time
	Data       DisclosureData
}

func NewSessionState(token SessionToken, data DisclosureData, now time.Time) *SessionState {
	return &SessionState{
		Token:      token,
		LastActive: now,
		Data:       data,
	}
}

// With returns a copy of the state carrying the next phase payload. The
// receiver is left untouched; the store write makes the transition durable.
func (s *SessionState) With(data DisclosureData, now time.Time) *SessionState {
	return NewSessionState(s.Token, data, now)
}

// Status maps the current phase to the externally visible status.
func (s *SessionState) Status() Status {
	switch data := s.Data.(type) {
	case Created:
		return StatusCreated
	case WaitingForResponse:
		return StatusWaitingForResponse
	case Done:
		return data.Result.Status
	}
	return StatusFailed
}

// Expire force-transitions a non-terminal session to Done{Expired}. Returns
// nil when the session is already terminal. Used by the store's TTL sweep.
func (s *SessionState) Expire(now time.Time) *SessionState {
	if _, done := s.Data.(Done); done {
		return nil
	}
	return s.With(Done{Result: SessionResult{Status: StatusExpired}}, now)
}

type sessionStateJSON struct {
	Token      SessionToken    `json:"token"`
	LastActive time.Time       `json:"last_active"`
	Phase      string          `json:"phase"`
	Data       json.RawMessage `json:"data"`
}

func (s *SessionState) MarshalJSON() ([]byte, error) {
	if s.Data == nil {
		return nil, fmt.Errorf("session %s has no phase payload", s.Token)
	}
	data, err := json.Marshal(s.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionStateJSON{
		Token:      s.Token,
		LastActive: s.LastActive,
		Phase:      s.Data.phase(),
		Data:       data,
	})
}

func (s *SessionState) UnmarshalJSON(b []byte) error {
	var envelope sessionStateJSON
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}

	var data DisclosureData
	switch envelope.Phase {
	case phaseCreated:
		var created Created
		if err := json.Unmarshal(envelope.Data, &created); err != nil {
			return err
		}
		data = created
	case phaseWaitingForResponse:
		var waiting WaitingForResponse
		if err := json.Unmarshal(envelope.Data, &waiting); err != nil {
			return err
		}
		data = waiting
	case phaseDone:
		var done Done
		if err := json.Unmarshal(envelope.Data, &done); err != nil {
			return err
		}
		data = done
	default:
		return fmt.Errorf("unknown session phase: %q", envelope.Phase)
	}

	s.Token = envelope.Token
	s.LastActive = envelope.LastActive
	s.Data = data
	return nil
}
