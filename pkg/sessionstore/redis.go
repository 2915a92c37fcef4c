package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kouzoh/kokukuma-disclosure/verifier"
)

const redisKeyPrefix = "disclosure:session:"

// Redis persists session state as JSON under disclosure:session:<token>.
// SET is atomic per key, which is all the serialization the state machine
// asks of a store; SETNX guards new-session writes against token reuse.
// Expiry here is Redis TTL based: a reaped session reads back as unknown
// rather than Expired, which polling clients treat the same way.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
	}
}

func (r *Redis) Get(ctx context.Context, token verifier.SessionToken) (*verifier.SessionState, error) {
	encoded, err := r.client.Get(ctx, redisKeyPrefix+string(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &verifier.StoreError{Op: "get", Token: token, Err: err}
	}

	var state verifier.SessionState
	if err := json.Unmarshal(encoded, &state); err != nil {
		return nil, &verifier.StoreError{Op: "get", Token: token, Err: err}
	}
	return &state, nil
}

func (r *Redis) Write(ctx context.Context, state *verifier.SessionState, isNew bool) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return &verifier.StoreError{Op: "write", Token: state.Token, Err: err}
	}

	key := redisKeyPrefix + string(state.Token)
	if isNew {
		ok, err := r.client.SetNX(ctx, key, encoded, r.ttl).Result()
		if err != nil {
			return &verifier.StoreError{Op: "write", Token: state.Token, Err: err}
		}
		if !ok {
			return &verifier.StoreError{Op: "write", Token: state.Token, Err: fmt.Errorf("duplicate session token")}
		}
		return nil
	}

	if err := r.client.Set(ctx, key, encoded, r.ttl).Err(); err != nil {
		return &verifier.StoreError{Op: "write", Token: state.Token, Err: err}
	}
	return nil
}

// Ping checks connectivity, for server startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
