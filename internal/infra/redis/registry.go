package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/power-dialer/internal/domain"
)

const (
	fieldRun = "run"
	fieldLeg = "leg"
)

// LegRegistry stores call session to leg mappings in Redis. Mappings outlive
// a process restart and are visible to every replica, but run state is held by
// the process that started the run, so webhooks must still be routed to that
// process. Entries expire after ttl.
type LegRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLegRegistry builds a Redis backed leg registry.
func NewLegRegistry(client *redis.Client, ttl time.Duration) *LegRegistry {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &LegRegistry{client: client, ttl: ttl}
}

func sessionKey(callSessionID string) string {
	return "dialer:session:" + callSessionID
}

func legKey(ref domain.LegRef) string {
	return fmt.Sprintf("dialer:leg:%s:%s", ref.RunID, ref.LegID)
}

// Register maps callSessionID to ref, replacing an older session for the same leg.
func (r *LegRegistry) Register(ctx context.Context, callSessionID string, ref domain.LegRef) error {
	old, err := r.client.Get(ctx, legKey(ref)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("registry: lookup previous session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != "" && old != callSessionID {
			pipe.Del(ctx, sessionKey(old))
		}
		pipe.HSet(ctx, sessionKey(callSessionID), fieldRun, ref.RunID, fieldLeg, ref.LegID)
		pipe.Expire(ctx, sessionKey(callSessionID), r.ttl)
		pipe.Set(ctx, legKey(ref), callSessionID, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", callSessionID, err)
	}
	return nil
}

// Resolve looks up the leg owning callSessionID.
func (r *LegRegistry) Resolve(ctx context.Context, callSessionID string) (domain.LegRef, bool, error) {
	vals, err := r.client.HGetAll(ctx, sessionKey(callSessionID)).Result()
	if err != nil {
		return domain.LegRef{}, false, fmt.Errorf("registry: resolve %s: %w", callSessionID, err)
	}
	if vals[fieldRun] == "" || vals[fieldLeg] == "" {
		return domain.LegRef{}, false, nil
	}
	return domain.LegRef{RunID: vals[fieldRun], LegID: vals[fieldLeg]}, true, nil
}

// SessionOf returns the call session currently registered for ref.
func (r *LegRegistry) SessionOf(ctx context.Context, ref domain.LegRef) (string, bool, error) {
	sid, err := r.client.Get(ctx, legKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: session of %s/%s: %w", ref.RunID, ref.LegID, err)
	}
	return sid, true, nil
}

// Remove deletes both directions of the mapping for callSessionID.
func (r *LegRegistry) Remove(ctx context.Context, callSessionID string) error {
	ref, ok, err := r.Resolve(ctx, callSessionID)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(callSessionID))
		if ok {
			pipe.Del(ctx, legKey(ref))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: remove %s: %w", callSessionID, err)
	}
	return nil
}
