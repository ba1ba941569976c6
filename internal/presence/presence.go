// Package presence implements the Cache Layer, the sliding-window rate
// limiter's shared counters, the Gateway's Event Buffer / Resume Store, and
// online/idle/offline presence tracking, all backed by Redis (or a
// Redis-compatible store such as DragonflyDB).
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence status constants.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusFocus     = "focus"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Key prefixes for the namespaces the Cache Layer manages.
const (
	PrefixSession   = "session:"
	PrefixPresence  = "presence:"
	PrefixRateLimit = "ratelimit:"
	PrefixCache     = "cache:"
	PrefixTyping    = "typing:"
	PrefixResume    = "resume:"
)

// Namespace TTLs, per the Cache Layer's table.
const (
	TTLUser     = 5 * time.Minute
	TTLSession  = 5 * time.Minute
	TTLPerms    = 5 * time.Minute
	TTLTyping   = 10 * time.Second
	TTLPresence = 5 * time.Minute

	// ResumeBufferSize is the maximum number of buffered events retained per
	// session for the Gateway's resume protocol.
	ResumeBufferSize = 1000
	// ResumeTTL is how long a session's event buffer survives after the last
	// append, independent of how many events it holds.
	ResumeTTL = 5 * time.Minute
)

// SessionData is the payload stored for an active Gateway session.
type SessionData struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimitResult is the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// BufferedEvent is a single entry in a session's resume buffer.
type BufferedEvent struct {
	Sequence int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
}

// Store wraps a Redis client and implements the Cache Layer, rate limiter
// counters, and resume buffer described above. Every method tolerates
// connectivity failures: callers decide whether to fail open (rate limiter,
// cache) or return an error (resume buffer, where a miss changes behavior).
type Store struct {
	rdb *redis.Client
}

// NewStore connects to the given Redis URL.
func NewStore(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return &Store{rdb: redis.NewClient(opt)}, nil
}

// HealthCheck pings the store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// --- Cache Layer (C9) ---

// CacheGet reads a namespaced, JSON-decoded cache entry. ok is false on a
// cache miss (key absent or a connection error) — callers fall through to
// the system of record.
func (s *Store) CacheGet(ctx context.Context, key string, dest interface{}) (ok bool) {
	data, err := s.rdb.Get(ctx, PrefixCache+key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	return true
}

// CacheSet writes a namespaced cache entry with the given TTL. Errors are
// swallowed: the cache is an optimization, not a source of truth.
func (s *Store) CacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, PrefixCache+key, data, ttl)
}

// CacheDelete invalidates a namespaced cache entry.
func (s *Store) CacheDelete(ctx context.Context, key string) {
	s.rdb.Del(ctx, PrefixCache+key)
}

// --- Session tracking ---

// SetSession stores session data under the session namespace with a TTL.
func (s *Store) SetSession(ctx context.Context, sessionID string, data SessionData, ttl time.Duration) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling session data: %w", err)
	}
	return s.rdb.Set(ctx, PrefixSession+sessionID, b, ttl).Err()
}

// GetSession retrieves session data, or nil if absent/expired.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionData, error) {
	data, err := s.rdb.Get(ctx, PrefixSession+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var sd SessionData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sd, nil
}

// DeleteSession removes a session entry.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, PrefixSession+sessionID).Err()
}

// --- Presence ---

// SetPresence records a user's presence status with a refreshing TTL.
func (s *Store) SetPresence(ctx context.Context, userID, status string) error {
	return s.rdb.Set(ctx, PrefixPresence+userID, status, TTLPresence).Err()
}

// GetPresence returns a user's presence status, or StatusOffline if no
// entry exists (expired, or the user was never online).
func (s *Store) GetPresence(ctx context.Context, userID string) (string, error) {
	status, err := s.rdb.Get(ctx, PrefixPresence+userID).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading presence: %w", err)
	}
	return status, nil
}

// ClearPresence removes a user's presence entry, marking them offline.
func (s *Store) ClearPresence(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, PrefixPresence+userID).Err()
}

// --- Rate limiting (C8) ---

// CheckRateLimit implements a sliding-window counter using a Redis sorted
// set: each request adds an entry scored by its timestamp, expired entries
// are trimmed, and the remaining cardinality is compared against the limit.
// The counters live in the shared store, so all instances in a deployment
// enforce one limit.
func (s *Store) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	now := time.Now()
	cutoff := now.Add(-window).UnixNano()
	fullKey := PrefixRateLimit + key

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, fullKey)
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return RateLimitResult{}, fmt.Errorf("checking rate limit: %w", err)
	}

	count := int(card.Val())
	if count >= limit {
		return RateLimitResult{Allowed: false, Limit: limit, Remaining: 0}, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	if err := s.rdb.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return RateLimitResult{}, fmt.Errorf("recording rate limit entry: %w", err)
	}
	s.rdb.Expire(ctx, fullKey, window)

	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: true, Limit: limit, Remaining: remaining}, nil
}

// --- Event Buffer / Resume Store (C6) ---

// AppendEvent appends a dispatched event to a session's resume buffer,
// trimming it to ResumeBufferSize entries and refreshing its TTL.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, seq int64, payload json.RawMessage) error {
	key := PrefixResume + sessionID
	entry := BufferedEvent{Sequence: seq, Payload: payload}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling buffered event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: b})
	pipe.ZRemRangeByRank(ctx, key, 0, -int64(ResumeBufferSize)-1)
	pipe.Expire(ctx, key, ResumeTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("appending buffered event: %w", err)
	}
	return nil
}

// RangeEvents returns all buffered events for a session with sequence
// greater than sinceSeq, in ascending order. An empty, non-error result
// with ok=false means the buffer has expired or never existed: the caller
// must fall back to InvalidSession rather than assume no events occurred.
func (s *Store) RangeEvents(ctx context.Context, sessionID string, sinceSeq int64) (events []BufferedEvent, ok bool, err error) {
	key := PrefixResume + sessionID
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("checking resume buffer: %w", err)
	}
	if exists == 0 {
		return nil, false, nil
	}

	raw, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", sinceSeq),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("ranging resume buffer: %w", err)
	}

	events = make([]BufferedEvent, 0, len(raw))
	for _, r := range raw {
		var ev BufferedEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, true, nil
}

// PurgeSession removes a session's entire resume buffer; a later resume of
// that session then finds no buffer and receives InvalidSession.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, PrefixResume+sessionID).Err()
}
