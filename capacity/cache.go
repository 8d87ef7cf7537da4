package capacity

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/generic"
)

// =============================================================================
// CACHE - Redis read-through cache for reporting
// =============================================================================
//
// KEYS:
//   availability:<session>          JSON figure, expires after the TTL
//   availability:<session>:version  counter bumped by every invalidation
//
// A figure is stored with the version read before it was aggregated and is
// only served while that version is still current. A reader that missed,
// aggregated the pre-commit count and stores it after a booking committed
// therefore writes an entry that is already outdated.
//
// Version keys carry no TTL: letting one expire would reset the counter
// and could make an old figure current again.

// Invalidator is notified after a write changed a session's bookings.
type Invalidator interface {
	Invalidate(ctx context.Context, id generic.SessionID) error
}

// Cache serves availability for display from Redis. Admission never reads
// it: the booking transaction always aggregates from the database.
//
// Redis failures fall back to the wrapped Reader, so an unavailable cache
// only costs latency.
type Cache struct {
	inner  Reader
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	log    logrus.FieldLogger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets where failed cache writes are reported.
func WithCacheLogger(l logrus.FieldLogger) CacheOption {
	return func(c *Cache) { c.log = l }
}

func NewCache(inner Reader, rdb redis.Cmdable, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{inner: inner, rdb: rdb, ttl: ttl, prefix: "availability:"}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c
}

type cachedAvailability struct {
	Version         int64  `json:"version"`
	SessionID       string `json:"session_id"`
	MaxParticipants int    `json:"max_participants"`
	BookedCount     int    `json:"booked_count"`
	Available       int    `json:"available"`
}

func (c *Cache) key(id generic.SessionID) string        { return c.prefix + string(id) }
func (c *Cache) versionKey(id generic.SessionID) string { return c.prefix + string(id) + ":version" }

func (c *Cache) Availability(ctx context.Context, id generic.SessionID) (Availability, error) {
	vals, err := c.rdb.MGet(ctx, c.key(id), c.versionKey(id)).Result()
	if err != nil || len(vals) != 2 {
		return c.inner.Availability(ctx, id)
	}
	version, ok := parseVersion(vals[1])
	if !ok {
		return c.inner.Availability(ctx, id)
	}
	if raw, isString := vals[0].(string); isString {
		var ca cachedAvailability
		if json.Unmarshal([]byte(raw), &ca) == nil && ca.Version == version {
			return Availability{
				SessionID:       generic.SessionID(ca.SessionID),
				MaxParticipants: ca.MaxParticipants,
				BookedCount:     ca.BookedCount,
				Available:       ca.Available,
			}, nil
		}
	}

	a, err := c.inner.Availability(ctx, id)
	if err != nil {
		return Availability{}, err
	}
	c.store(ctx, a, version)
	return a, nil
}

// parseVersion reads the MGET value of a version key. A missing key is
// version 0.
func parseVersion(v any) (int64, bool) {
	switch v := v.(type) {
	case nil:
		return 0, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (c *Cache) store(ctx context.Context, a Availability, version int64) {
	payload, err := encodeAvailability(a, version)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(a.SessionID), payload, c.ttl).Err(); err != nil {
		c.log.WithField("session_id", a.SessionID).WithError(err).Warn("availability cache write failed")
	}
}

// Invalidate makes every figure cached so far for the session outdated,
// including one a concurrent reader is about to store.
func (c *Cache) Invalidate(ctx context.Context, id generic.SessionID) error {
	if err := c.rdb.Incr(ctx, c.versionKey(id)).Err(); err != nil {
		return err
	}
	return c.rdb.Del(ctx, c.key(id)).Err()
}

func encodeAvailability(a Availability, version int64) (string, error) {
	b, err := json.Marshal(cachedAvailability{
		Version:         version,
		SessionID:       string(a.SessionID),
		MaxParticipants: a.MaxParticipants,
		BookedCount:     a.BookedCount,
		Available:       a.Available,
	})
	return string(b), err
}
