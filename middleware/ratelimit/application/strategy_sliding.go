package application

import (
	"context"
	"strconv"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// SlidingWindowEngine aproxima uma janela deslizante com janelas discretas:
// quando now - inicio >= janela, contagem e inicio são reiniciados.
//
// O limite por janela é RequestsPerMinute proporcional a WindowSize
// (rpm * janela / 60, mínimo 1): janela de 10s com 60 rpm admite 10.
//
// Registro: "contagem|inicio_unix_ms", TTL = janela. Stores que implementam
// domain.SlidingWindowStore fazem a checagem inteira do lado deles.
type SlidingWindowEngine struct {
	Store domain.CounterStore
}

func (e *SlidingWindowEngine) Name() domain.Strategy { return domain.SlidingWindow }

func (e *SlidingWindowEngine) Keys(key domain.Key, _ domain.Config, _ time.Time) []string {
	return []string{slidingKey(key)}
}

// a chave entre chaves vira hash tag: todos os registros de key caem no mesmo
// slot de um Redis Cluster.
func slidingKey(key domain.Key) string { return "sw:{" + string(key) + "}" }

func slidingLimit(cfg domain.Config) int {
	return max(1, cfg.RequestsPerMinute*cfg.WindowSize/60)
}

func (e *SlidingWindowEngine) Check(ctx context.Context, key domain.Key, cfg domain.Config, now time.Time) (domain.Decision, error) {
	limit := slidingLimit(cfg)
	window := cfg.Window()

	st, err := e.check(ctx, slidingKey(key), limit, window, now)
	if err != nil {
		return domain.Decision{}, err
	}

	resetAt := st.Start.Add(window)
	if st.Allowed {
		return domain.Decision{
			Allowed:         true,
			Strategy:        domain.SlidingWindow,
			CurrentRequests: st.Count,
			MaxRequests:     limit,
			Remaining:       max(0, limit-st.Count),
			ResetAt:         resetAt,
		}, nil
	}
	return domain.Decision{
		Allowed:         false,
		Strategy:        domain.SlidingWindow,
		CurrentRequests: st.Count,
		MaxRequests:     limit,
		Remaining:       0,
		RetryAfter:      ceilSeconds(resetAt.Sub(now)),
		ResetAt:         resetAt,
	}, nil
}

func (e *SlidingWindowEngine) check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (domain.SlidingWindowState, error) {
	if s, ok := e.Store.(domain.SlidingWindowStore); ok {
		st, err := s.SlidingWindow(ctx, key, limit, window, now)
		if err != nil {
			return st, domain.Unavailable("sliding window", err)
		}
		return st, nil
	}

	var st domain.SlidingWindowState
	err := atomicUpdate(ctx, e.Store, key, window, func(cur string, found bool) (string, bool) {
		st = slidingStep(cur, found, limit, window, now)
		if !st.Allowed {
			return "", false
		}
		return encodePair(strconv.Itoa(st.Count), itoa(st.Start.UnixMilli())), true
	})
	return st, err
}

// slidingStep aplica uma checagem sobre o registro atual.
func slidingStep(cur string, found bool, limit int, window time.Duration, now time.Time) domain.SlidingWindowState {
	count, start := 0, now
	if found {
		if c, s, ok := parseSlidingRecord(cur); ok && now.Sub(s) < window {
			count, start = c, s
		}
	}
	if count < limit {
		return domain.SlidingWindowState{Count: count + 1, Start: start, Allowed: true}
	}
	return domain.SlidingWindowState{Count: count, Start: start}
}

func parseSlidingRecord(v string) (int, time.Time, bool) {
	a, b, ok := decodePair(v)
	if !ok {
		return 0, time.Time{}, false
	}
	count, err := strconv.Atoi(a)
	if err != nil || count < 0 {
		return 0, time.Time{}, false
	}
	ms, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return count, time.UnixMilli(ms), true
}
