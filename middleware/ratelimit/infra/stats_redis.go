package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas em chaves de série temporal / por key.
	// total, class e strategy são cumulativos e não expiram.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := outcome(ev.Allowed)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if c := strings.TrimSpace(ev.EndpointClass); c != "" {
		pipe.HIncrBy(ctx, s.prefix+":class", c+":"+field, 1)
	}
	if ev.Strategy != "" {
		pipe.HIncrBy(ctx, s.prefix+":strategy", string(ev.Strategy)+":"+field, 1)
	}

	if s.trackKeys {
		k := strings.TrimSpace(string(ev.Key))
		if k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot lê os hashes cumulativos num único pipeline.
func (s *RedisStatsStore) Snapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	pipe := s.rdb.Pipeline()
	total := pipe.HGetAll(ctx, s.prefix+":total")
	byClass := pipe.HGetAll(ctx, s.prefix+":class")
	byStrategy := pipe.HGetAll(ctx, s.prefix+":strategy")
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.StatsSnapshot{}, err
	}

	t := total.Val()
	return domain.StatsSnapshot{
		Total: domain.Counters{
			Allowed: parseCount(t["allowed"]),
			Denied:  parseCount(t["denied"]),
		},
		ByClass:    groupCounters(byClass.Val()),
		ByStrategy: groupCounters(byStrategy.Val()),
	}, nil
}

// groupCounters transforma {"api:allowed": "3"} em {"api": {Allowed: 3}}.
func groupCounters(fields map[string]string) map[string]domain.Counters {
	out := make(map[string]domain.Counters)
	for f, v := range fields {
		i := strings.LastIndex(f, ":")
		if i <= 0 {
			continue
		}
		name, kind := f[:i], f[i+1:]
		c := out[name]
		switch kind {
		case "allowed":
			c.Allowed += parseCount(v)
		case "denied":
			c.Denied += parseCount(v)
		default:
			continue
		}
		out[name] = c
	}
	return out
}

func parseCount(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
