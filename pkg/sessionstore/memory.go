// Package sessionstore provides the session store implementations the
// verifier runs against: an in-memory store for single-process deployments
// and tests, and a Redis-backed store for anything with more than one
// replica.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kouzoh/kokukuma-disclosure/verifier"
)

// Memory is a mutex-guarded in-memory session store. States are kept JSON
// encoded, so readers and writers never share mutable structures, and the
// codec used against Redis is exercised here too.
type Memory struct {
	mu       sync.Mutex
	sessions map[verifier.SessionToken][]byte
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[verifier.SessionToken][]byte),
	}
}

func (m *Memory) Get(ctx context.Context, token verifier.SessionToken) (*verifier.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	encoded, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}

	var state verifier.SessionState
	if err := json.Unmarshal(encoded, &state); err != nil {
		return nil, &verifier.StoreError{Op: "get", Token: token, Err: err}
	}
	return &state, nil
}

func (m *Memory) Write(ctx context.Context, state *verifier.SessionState, isNew bool) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return &verifier.StoreError{Op: "write", Token: state.Token, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.sessions[state.Token]
	if isNew && exists {
		return &verifier.StoreError{Op: "write", Token: state.Token, Err: fmt.Errorf("duplicate session token")}
	}
	if !isNew && !exists {
		return &verifier.StoreError{Op: "write", Token: state.Token, Err: fmt.Errorf("session does not exist")}
	}

	m.sessions[state.Token] = encoded
	return nil
}

// CleanupExpired force-transitions sessions idle past ttl to the Expired
// terminal state and drops terminal sessions idle past purgeAfter. Run it
// periodically; races with request handlers are benign since both writers
// converge on a terminal state.
func (m *Memory) CleanupExpired(now time.Time, ttl, purgeAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for token, encoded := range m.sessions {
		var state verifier.SessionState
		if err := json.Unmarshal(encoded, &state); err != nil {
			return &verifier.StoreError{Op: "cleanup", Token: token, Err: err}
		}

		idle := now.Sub(state.LastActive)
		if expired := state.Expire(now); expired != nil && idle > ttl {
			reencoded, err := json.Marshal(expired)
			if err != nil {
				return &verifier.StoreError{Op: "cleanup", Token: token, Err: err}
			}
			m.sessions[token] = reencoded
			continue
		}
		if idle > purgeAfter {
			delete(m.sessions, token)
		}
	}
	return nil
}

// StartCleanup runs CleanupExpired on a ticker until the context is
// cancelled.
func (m *Memory) StartCleanup(ctx context.Context, interval, ttl, purgeAfter time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := m.CleanupExpired(now, ttl, purgeAfter); err != nil {
					// keep sweeping; one bad record should not stop the sweep
					continue
				}
			}
		}
	}()
}
