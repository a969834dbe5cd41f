package application

import (
	"context"
	"math"
	"strconv"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// tolerância de ponto flutuante na comparação tokens >= 1.
const tokenEpsilon = 1e-9

// TokenBucketEngine: capacidade = BurstLimit, reposição = RequestsPerMinute/60
// tokens por segundo.
//
// Registro: "tokens|ultima_reposicao_unix_us", TTL = 2x o tempo para encher
// o balde (mínimo 60s). Stores que implementam domain.TokenBucketStore fazem a
// checagem inteira do lado deles.
type TokenBucketEngine struct {
	Store domain.CounterStore
}

func (e *TokenBucketEngine) Name() domain.Strategy { return domain.TokenBucket }

func (e *TokenBucketEngine) Keys(key domain.Key, _ domain.Config, _ time.Time) []string {
	return []string{tokenKey(key)}
}

func tokenKey(key domain.Key) string { return "tb:{" + string(key) + "}" }

func (e *TokenBucketEngine) Check(ctx context.Context, key domain.Key, cfg domain.Config, now time.Time) (domain.Decision, error) {
	capacity := float64(cfg.BurstLimit)
	refill := float64(cfg.RequestsPerMinute) / 60.0

	st, err := e.check(ctx, tokenKey(key), capacity, refill, now)
	if err != nil {
		return domain.Decision{}, err
	}

	if st.Allowed {
		left := int(math.Floor(st.Tokens + tokenEpsilon))
		return domain.Decision{
			Allowed:         true,
			Strategy:        domain.TokenBucket,
			CurrentRequests: cfg.BurstLimit - left,
			MaxRequests:     cfg.BurstLimit,
			Remaining:       left,
			ResetAt:         now.Add(secondsToDuration((capacity - st.Tokens) / refill)),
		}, nil
	}

	wait := secondsToDuration((1 - st.Tokens) / refill)
	return domain.Decision{
		Allowed:         false,
		Strategy:        domain.TokenBucket,
		CurrentRequests: cfg.BurstLimit,
		MaxRequests:     cfg.BurstLimit,
		Remaining:       0,
		RetryAfter:      ceilSeconds(wait),
		ResetAt:         now.Add(wait),
	}, nil
}

func (e *TokenBucketEngine) check(ctx context.Context, key string, capacity, refill float64, now time.Time) (domain.TokenBucketState, error) {
	ttl := tokenTTL(capacity, refill)
	if s, ok := e.Store.(domain.TokenBucketStore); ok {
		st, err := s.TokenBucket(ctx, key, capacity, refill, ttl, now)
		if err != nil {
			return st, domain.Unavailable("token bucket", err)
		}
		return st, nil
	}

	var st domain.TokenBucketState
	err := atomicUpdate(ctx, e.Store, key, ttl, func(cur string, found bool) (string, bool) {
		st = tokenStep(cur, found, capacity, refill, now)
		if !st.Allowed {
			return "", false
		}
		return encodePair(strconv.FormatFloat(st.Tokens, 'g', -1, 64), itoa(now.UnixMicro())), true
	})
	return st, err
}

// tokenStep repõe os tokens pelo tempo decorrido e consome um, se houver.
func tokenStep(cur string, found bool, capacity, refill float64, now time.Time) domain.TokenBucketState {
	tokens := capacity
	if found {
		if t, last, ok := parseTokenRecord(cur); ok {
			elapsed := max(0, now.Sub(last).Seconds())
			tokens = math.Min(capacity, t+elapsed*refill)
		}
	}
	if tokens+tokenEpsilon >= 1 {
		return domain.TokenBucketState{Tokens: math.Max(0, tokens-1), Allowed: true}
	}
	return domain.TokenBucketState{Tokens: tokens}
}

func tokenTTL(capacity, refill float64) time.Duration {
	ttl := 2 * secondsToDuration(capacity/refill)
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseTokenRecord(v string) (float64, time.Time, bool) {
	a, b, ok := decodePair(v)
	if !ok {
		return 0, time.Time{}, false
	}
	tokens, err := strconv.ParseFloat(a, 64)
	if err != nil || math.IsNaN(tokens) {
		return 0, time.Time{}, false
	}
	us, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return tokens, time.UnixMicro(us), true
}
