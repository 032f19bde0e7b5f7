package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/incident-command-service/internal/config"
	"github.com/richardliu001/incident-command-service/internal/model"
	"go.uber.org/zap"
)

// OccurrenceListCache is a generational read-through cache for the occurrence
// listing. Entry keys embed the current version, so Bump hides every entry
// written before it; old entries expire by TTL.
//
// The cache never fails a request: every Redis or decoding error is logged and
// reported as a miss.
type OccurrenceListCache struct {
	rdb     redis.Cmdable
	log     *zap.SugaredLogger
	enabled bool
	ttl     time.Duration
	prefix  string
}

func NewOccurrenceListCache(rdb redis.Cmdable, cfg config.CacheConfig, log *zap.SugaredLogger) *OccurrenceListCache {
	return &OccurrenceListCache{
		rdb:     rdb,
		log:     log,
		enabled: cfg.Enabled && rdb != nil,
		ttl:     cfg.TTL(),
		prefix:  cfg.KeyPrefix,
	}
}

func (c *OccurrenceListCache) versionKey() string {
	return c.prefix + ":version"
}

func (c *OccurrenceListCache) entryKey(f model.OccurrenceFilter, version int64) string {
	sig, err := json.Marshal(f)
	if err != nil {
		sig = []byte(fmt.Sprintf("%s|%s|%d|%d", f.Status, f.Type, f.Limit, f.Page))
	}
	sum := sha256.Sum256(sig)
	return fmt.Sprintf("%s:v%d:%s", c.prefix, version, hex.EncodeToString(sum[:]))
}

// version reads the counter; an absent counter is version 1.
func (c *OccurrenceListCache) version(ctx context.Context) (int64, error) {
	s, err := c.rdb.Get(ctx, c.versionKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Get returns the cached page for f.
func (c *OccurrenceListCache) Get(ctx context.Context, f model.OccurrenceFilter) (*model.OccurrenceList, bool) {
	if !c.enabled {
		return nil, false
	}
	f = f.Normalize()
	v, err := c.version(ctx)
	if err != nil {
		c.log.Warnw("occurrence cache version read failed, falling back to database", "error", err)
		return nil, false
	}
	key := c.entryKey(f, v)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.log.Debugw("occurrence cache miss", "key", key)
		return nil, false
	}
	if err != nil {
		c.log.Warnw("occurrence cache read failed, falling back to database", "key", key, "error", err)
		return nil, false
	}
	var list model.OccurrenceList
	if err := json.Unmarshal(raw, &list); err != nil {
		c.log.Warnw("occurrence cache entry unreadable", "key", key, "error", err)
		return nil, false
	}
	c.log.Debugw("occurrence cache hit", "key", key)
	return &list, true
}

// Put stores list under the current version.
func (c *OccurrenceListCache) Put(ctx context.Context, f model.OccurrenceFilter, list *model.OccurrenceList) {
	if !c.enabled || list == nil {
		return
	}
	f = f.Normalize()
	v, err := c.version(ctx)
	if err != nil {
		c.log.Warnw("occurrence cache version read failed, skipping write", "error", err)
		return
	}
	body, err := json.Marshal(list)
	if err != nil {
		c.log.Warnw("occurrence cache encode failed", "error", err)
		return
	}
	key := c.entryKey(f, v)
	if err := c.rdb.Set(ctx, key, body, c.ttl).Err(); err != nil {
		c.log.Warnw("occurrence cache write failed", "key", key, "error", err)
		return
	}
	c.log.Debugw("occurrence cache updated", "key", key, "ttl", c.ttl)
}

// Bump invalidates every cached page. The counter is created at 1 on first use
// so the first bump moves readers off the implicit version 1.
func (c *OccurrenceListCache) Bump(ctx context.Context) {
	if !c.enabled {
		return
	}
	if err := c.rdb.SetNX(ctx, c.versionKey(), 1, 0).Err(); err != nil {
		c.log.Warnw("occurrence cache version init failed", "error", err)
		return
	}
	v, err := c.rdb.Incr(ctx, c.versionKey()).Result()
	if err != nil {
		c.log.Warnw("occurrence cache version bump failed", "error", err)
		return
	}
	c.log.Debugw("occurrence cache invalidated", "version", v)
}
