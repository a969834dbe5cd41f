package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"admission-gateway/middleware/ratelimit/domain"
)

// INCR + PEXPIRE na mesma ida ao servidor; o TTL só é aplicado se a chave não
// tiver um (criação).
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if tonumber(ARGV[1]) > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// ARGV[1] = valor esperado ('' = chave ausente), ARGV[2] = novo valor, ARGV[3] = ttl ms.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
elseif cur ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// Janela deslizante inteira numa ida: ARGV[1] = limite, ARGV[2] = janela ms,
// ARGV[3] = agora ms. O início é regravado como veio (string) para não perder
// precisão na formatação de números do Lua.
var slidingScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local count, start = 0, ARGV[3]
local cur = redis.call('GET', KEYS[1])
if cur then
  local sep = string.find(cur, '|', 1, true)
  if sep then
    local c = tonumber(string.sub(cur, 1, sep - 1))
    local s = string.sub(cur, sep + 1)
    local sn = tonumber(s)
    if c and sn and c >= 0 and now - sn < window then
      count, start = c, s
    end
  end
end
if count < limit then
  count = count + 1
  redis.call('SET', KEYS[1], count .. '|' .. start, 'PX', ARGV[2])
  return {1, count, start}
end
return {0, count, start}
`)

// Token bucket numa ida: ARGV[1] = capacidade, ARGV[2] = tokens/s,
// ARGV[3] = agora us, ARGV[4] = ttl ms. Devolve os tokens como string.
var tokenScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = capacity
local cur = redis.call('GET', KEYS[1])
if cur then
  local sep = string.find(cur, '|', 1, true)
  if sep then
    local t = tonumber(string.sub(cur, 1, sep - 1))
    local last = tonumber(string.sub(cur, sep + 1))
    if t and last and t == t then
      local elapsed = (now - last) / 1e6
      if elapsed < 0 then elapsed = 0 end
      tokens = math.min(capacity, t + elapsed * refill)
    end
  end
end
if tokens + 1e-9 >= 1 then
  tokens = math.max(0, tokens - 1)
  local v = string.format('%.17g', tokens)
  redis.call('SET', KEYS[1], v .. '|' .. ARGV[3], 'PX', ARGV[4])
  return {1, v}
end
return {0, string.format('%.17g', tokens)}
`)

var (
	_ domain.CounterStore       = (*RedisStore)(nil)
	_ domain.SlidingWindowStore = (*RedisStore)(nil)
	_ domain.TokenBucketStore   = (*RedisStore)(nil)
)

// RedisStore é o CounterStore compartilhado entre processos/hosts.
// A atomicidade vem dos scripts Lua (executados de forma serial pelo Redis).
// Aceita *redis.ClusterClient: as engines usam hash tag nas chaves e nenhuma
// operação mistura chaves numa mesma chamada.
type RedisStore struct {
	rdb redis.UniversalClient

	prefix  string
	timeout time.Duration
	// quantas rodadas de SCAN o ApproxKeys faz antes de desistir.
	scanRounds int
}

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = strings.TrimRight(prefix, ":") + ":"
	}
}

// WithTimeout limita cada ida ao Redis; 0 desliga (fica só o deadline do ctx).
func WithTimeout(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.timeout = d }
}

func WithScanRounds(n int) RedisStoreOption {
	return func(s *RedisStore) { s.scanRounds = n }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		prefix:     "ratelimit:",
		timeout:    250 * time.Millisecond,
		scanRounds: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifica a conexão e pré-carrega os scripts.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return domain.Unavailable("ping", err)
	}
	for _, sc := range []*redis.Script{incrScript, casScript, slidingScript, tokenScript} {
		if err := sc.Load(ctx, s.rdb).Err(); err != nil {
			return domain.Unavailable("script load", err)
		}
	}
	return nil
}

func (s *RedisStore) Prefix() string { return s.prefix }

func (s *RedisStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	n, err := incrScript.Run(ctx, s.rdb, []string{s.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, domain.Unavailable("incr", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Unavailable("get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return domain.Unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	n, err := casScript.Run(ctx, s.rdb, []string{s.prefix + key}, old, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, domain.Unavailable("compare-and-swap", err)
	}
	return n == 1, nil
}

func (s *RedisStore) SlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (domain.SlidingWindowState, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := slidingScript.Run(ctx, s.rdb, []string{s.prefix + key}, limit, window.Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return domain.SlidingWindowState{}, domain.Unavailable("sliding window", err)
	}
	if len(res) != 3 {
		return domain.SlidingWindowState{}, domain.Unavailable("sliding window", fmt.Errorf("unexpected reply %v", res))
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	startStr, _ := res[2].(string)
	startMs, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return domain.SlidingWindowState{}, domain.Unavailable("sliding window", err)
	}
	return domain.SlidingWindowState{
		Count:   int(count),
		Start:   time.UnixMilli(startMs),
		Allowed: allowed == 1,
	}, nil
}

func (s *RedisStore) TokenBucket(ctx context.Context, key string, capacity, refillPerSecond float64, ttl time.Duration, now time.Time) (domain.TokenBucketState, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := tokenScript.Run(ctx, s.rdb, []string{s.prefix + key},
		capacity, refillPerSecond, now.UnixMicro(), ttl.Milliseconds()).Slice()
	if err != nil {
		return domain.TokenBucketState{}, domain.Unavailable("token bucket", err)
	}
	if len(res) != 2 {
		return domain.TokenBucketState{}, domain.Unavailable("token bucket", fmt.Errorf("unexpected reply %v", res))
	}
	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return domain.TokenBucketState{}, domain.Unavailable("token bucket", err)
	}
	return domain.TokenBucketState{Tokens: tokens, Allowed: allowed == 1}, nil
}

// Delete apaga uma chave por comando (num pipeline): em cluster as chaves
// podem estar em slots diferentes e um DEL com várias daria CROSSSLOT.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Del(ctx, s.prefix+k)
		}
		return nil
	})
	if err != nil {
		return 0, domain.Unavailable("delete", err)
	}
	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}

// ApproxKeys amostra com SCAN (no máximo scanRounds rodadas por nó). Em cluster
// varre cada master. Em bases grandes o valor é um limite inferior.
func (s *RedisStore) ApproxKeys(ctx context.Context) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	cc, ok := s.rdb.(*redis.ClusterClient)
	if !ok {
		return s.scan(ctx, s.rdb)
	}
	var total atomic.Int64
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		n, err := s.scan(ctx, node)
		total.Add(n)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total.Load(), nil
}

func (s *RedisStore) scan(ctx context.Context, c redis.Cmdable) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for i := 0; i < s.scanRounds; i++ {
		keys, next, err := c.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return 0, domain.Unavailable("scan", err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}
