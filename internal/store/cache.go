package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/model"
)

// CachedArchive caches archive lookups in Redis. Redis failures fall
// through to the underlying reader.
//
// The window start is truncated to the TTL so repeated lookups inside one
// TTL period share a key; the effective window is widened by at most TTL.
type CachedArchive struct {
	next   ArchiveReader
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewCachedArchive wraps next with a Redis cache. A non-positive ttl
// defaults to five minutes.
func NewCachedArchive(next ArchiveReader, rdb redis.Cmdable, ttl time.Duration, prefix string) *CachedArchive {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedArchive{next: next, rdb: rdb, ttl: ttl, prefix: prefix}
}

// CacheKey returns the Redis key for q after window truncation.
func (c *CachedArchive) CacheKey(q model.ArchiveQuery) string {
	since := q.Since.Truncate(c.ttl)
	return fmt.Sprintf("%sarchive:%s:%d:%d", c.prefix, q.Ticker, q.Limit, since.Unix())
}

func (c *CachedArchive) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	key := c.CacheKey(q)
	q.Since = q.Since.Truncate(c.ttl)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entries []model.ArchiveEntry
		if jsonErr := json.Unmarshal(raw, &entries); jsonErr == nil {
			return entries, nil
		}
		zap.L().Warn("archive cache: corrupt entry, refetching", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		zap.L().Warn("archive cache: get failed", zap.String("key", key), zap.Error(err))
	}

	entries, err := c.next.ListArchive(ctx, q)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return entries, nil
	}
	if err := c.rdb.Set(ctx, key, string(payload), c.ttl).Err(); err != nil {
		zap.L().Warn("archive cache: set failed", zap.String("key", key), zap.Error(err))
	}
	return entries, nil
}

// WithArchive returns repo with its archive lookups served by archive.
func WithArchive(repo Repository, archive ArchiveReader) Repository {
	return archiveOverride{Repository: repo, archive: archive}
}

type archiveOverride struct {
	Repository
	archive ArchiveReader
}

func (a archiveOverride) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	return a.archive.ListArchive(ctx, q)
}
