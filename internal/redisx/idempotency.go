package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

// Idempotency remembers the response of a request keyed by a client-chosen
// Idempotency-Key, scoped per actor. The fingerprint of the request body is
// stored with it so a key cannot be reused for a different request.
type Idempotency struct {
	RDB *redis.Client
}

type idemRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Pending     bool            `json:"pending,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// Begin claims the key. If a previous request with the same key and
// fingerprint completed, its stored response is returned with claimed=false.
// A request still in flight yields Conflict; a different fingerprint yields
// Validation.
func (s *Idempotency) Begin(ctx context.Context, scope, actor, key, fingerprint string) (stored []byte, claimed bool, err error) {
	k := fmt.Sprintf(KeyIdempotency, scope, actor, key)
	pending, err := json.Marshal(idemRecord{Fingerprint: fingerprint, Pending: true})
	if err != nil {
		return nil, false, err
	}
	ok, err := s.RDB.SetNX(ctx, k, pending, TTLIdempotency).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}
	b, err := s.RDB.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; let the caller retry
		return nil, false, apperr.New(apperr.KindConflict, "idempotency key expired, retry")
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}
	var rec idemRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency key: %w", err)
	}
	if rec.Fingerprint != fingerprint {
		return nil, false, apperr.Validation("idempotency key was already used for a different request")
	}
	if rec.Pending {
		return nil, false, apperr.New(apperr.KindConflict, "a request with this idempotency key is in progress")
	}
	return rec.Response, false, nil
}

func (s *Idempotency) Complete(ctx context.Context, scope, actor, key, fingerprint string, response []byte) error {
	b, err := json.Marshal(idemRecord{Fingerprint: fingerprint, Response: response})
	if err != nil {
		return err
	}
	k := fmt.Sprintf(KeyIdempotency, scope, actor, key)
	if err := s.RDB.Set(ctx, k, b, TTLIdempotency).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

// Abandon releases a claimed key after a failed request so it can be retried.
func (s *Idempotency) Abandon(ctx context.Context, scope, actor, key string) error {
	return s.RDB.Del(ctx, fmt.Sprintf(KeyIdempotency, scope, actor, key)).Err()
}
