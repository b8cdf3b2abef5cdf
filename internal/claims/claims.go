// Package claims tracks which subjects are being worked on and which have
// already been turned into recipes.
//
// An in-progress claim is a Redis string set with NX and a TTL, so at most one
// worker owns a subject at any instant and a worker that dies without
// releasing its claim only blocks the subject until the TTL expires. The
// processed markers are members of one Redis set per namespace and never
// expire. Every operation is a single atomic round trip.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is used when a Tracker is created with a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// releaseScript deletes a claim only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Claim is proof of ownership of a subject returned by TryClaim.
type Claim struct {
	Key   string
	token string
}

// Tracker manages claims and processed markers for one namespace
// (typically one per pipeline).
type Tracker struct {
	rdb          redis.UniversalClient
	namespace    string
	ttl          time.Duration
	processedKey string
	logger       *slog.Logger
}

// New creates a Tracker for namespace.
func New(rdb redis.UniversalClient, namespace string, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		rdb:          rdb,
		namespace:    namespace,
		ttl:          ttl,
		processedKey: "processed:" + namespace,
		logger:       logger.With("component", "claims", "namespace", namespace),
	}
}

// Namespace returns the tracker's namespace.
func (t *Tracker) Namespace() string {
	return t.namespace
}

func (t *Tracker) claimKey(key string) string {
	return "claim:" + t.namespace + ":" + key
}

// TryClaim acquires the in-progress claim for key. ok is false when another
// caller already holds it.
func (t *Tracker) TryClaim(ctx context.Context, key string) (Claim, bool, error) {
	if key == "" {
		return Claim{}, false, fmt.Errorf("empty claim key")
	}

	c := Claim{Key: key, token: uuid.NewString()}
	ok, err := t.rdb.SetNX(ctx, t.claimKey(key), c.token, t.ttl).Result()
	if err != nil {
		return Claim{}, false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if !ok {
		t.logger.Debug("claim already held", "subject_key", key)
		return Claim{}, false, nil
	}
	return c, true, nil
}

// Release clears the claim if it is still owned by c. Releasing a claim that
// has expired and been taken by someone else leaves the new owner untouched.
func (t *Tracker) Release(ctx context.Context, c Claim) error {
	if c.Key == "" || c.token == "" {
		return nil
	}

	n, err := releaseScript.Run(ctx, t.rdb, []string{t.claimKey(c.Key)}, c.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release claim %s: %w", c.Key, err)
	}
	if n == 0 {
		t.logger.Warn("claim expired before release", "subject_key", c.Key)
	}
	return nil
}

// IsClaimed reports whether any caller currently holds the claim for key.
func (t *Tracker) IsClaimed(ctx context.Context, key string) (bool, error) {
	n, err := t.rdb.Exists(ctx, t.claimKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check claim %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkProcessed records that key has been completed. It reports whether
// the marker was newly added.
func (t *Tracker) MarkProcessed(ctx context.Context, key string) (bool, error) {
	n, err := t.rdb.SAdd(ctx, t.processedKey, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", key, err)
	}
	return n == 1, nil
}

// HasProcessed reports whether key has been completed.
func (t *Tracker) HasProcessed(ctx context.Context, key string) (bool, error) {
	ok, err := t.rdb.SIsMember(ctx, t.processedKey, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed %s: %w", key, err)
	}
	return ok, nil
}

// ClearProcessed removes the completion marker so key can be processed again.
func (t *Tracker) ClearProcessed(ctx context.Context, key string) error {
	if err := t.rdb.SRem(ctx, t.processedKey, key).Err(); err != nil {
		return fmt.Errorf("failed to clear processed %s: %w", key, err)
	}
	return nil
}
