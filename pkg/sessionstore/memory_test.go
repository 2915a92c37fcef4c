package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kouzoh/kokukuma-disclosure/verifier"
)

func createdState(now time.Time) *verifier.SessionState {
	return verifier.NewSessionState(verifier.NewSessionToken(), verifier.Created{
		UseCaseID: "default",
		ClientID:  "verifier.example.com",
	}, now)
}

func TestMemoryGetWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now().UTC().Truncate(time.Second)
	state := createdState(now)

	got, err := store.Get(ctx, state.Token)
	if err != nil || got != nil {
		t.Fatalf("Get() on empty store = %v, %v; want nil, nil", got, err)
	}

	if err := store.Write(ctx, state, true); err != nil {
		t.Fatalf("Write(isNew=true) error = %v", err)
	}

	got, err = store.Get(ctx, state.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Token != state.Token {
		t.Fatalf("Get() = %+v, want token %s", got, state.Token)
	}
	if _, ok := got.Data.(verifier.Created); !ok {
		t.Errorf("Data = %T, want Created", got.Data)
	}

	// The stored state is isolated from later mutation of the original.
	state.Data = verifier.Done{Result: verifier.SessionResult{Status: verifier.StatusFailed}}
	got, err = store.Get(ctx, state.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := got.Data.(verifier.Created); !ok {
		t.Errorf("stored Data changed to %T after caller mutation", got.Data)
	}
}

func TestMemoryWriteIsNewSemantics(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()
	state := createdState(now)

	var storeErr *verifier.StoreError

	// Updating a session that was never created.
	err := store.Write(ctx, state, false)
	if !errors.As(err, &storeErr) {
		t.Fatalf("Write(isNew=false) on missing session error = %v, want StoreError", err)
	}

	if err := store.Write(ctx, state, true); err != nil {
		t.Fatalf("Write(isNew=true) error = %v", err)
	}

	// Creating the same token twice.
	err = store.Write(ctx, state, true)
	if !errors.As(err, &storeErr) {
		t.Fatalf("duplicate Write(isNew=true) error = %v, want StoreError", err)
	}

	// Updates after creation are fine.
	next := state.With(verifier.Done{Result: verifier.SessionResult{Status: verifier.StatusCancelled}}, now)
	if err := store.Write(ctx, next, false); err != nil {
		t.Fatalf("Write(isNew=false) error = %v", err)
	}
	got, err := store.Get(ctx, state.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status() != verifier.StatusCancelled {
		t.Errorf("Status() = %s, want CANCELLED", got.Status())
	}
}

func TestMemoryCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Now().UTC().Truncate(time.Second)
	ttl := 10 * time.Minute
	purgeAfter := time.Hour

	fresh := createdState(base)
	idle := createdState(base.Add(-ttl - time.Minute))
	ancient := verifier.NewSessionState(verifier.NewSessionToken(), verifier.Done{
		Result: verifier.SessionResult{Status: verifier.StatusDone},
	}, base.Add(-purgeAfter-time.Minute))

	for _, s := range []*verifier.SessionState{fresh, idle, ancient} {
		if err := store.Write(ctx, s, true); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if err := store.CleanupExpired(base, ttl, purgeAfter); err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}

	got, err := store.Get(ctx, fresh.Token)
	if err != nil || got == nil {
		t.Fatalf("fresh session gone after cleanup: %v, %v", got, err)
	}
	if got.Status() != verifier.StatusCreated {
		t.Errorf("fresh session status = %s, want CREATED", got.Status())
	}

	got, err = store.Get(ctx, idle.Token)
	if err != nil || got == nil {
		t.Fatalf("idle session gone after cleanup: %v, %v", got, err)
	}
	if got.Status() != verifier.StatusExpired {
		t.Errorf("idle session status = %s, want EXPIRED", got.Status())
	}

	got, err = store.Get(ctx, ancient.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("terminal session idle past purgeAfter still present: %+v", got)
	}
}
