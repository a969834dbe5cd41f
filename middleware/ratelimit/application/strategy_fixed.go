package application

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// FixedWindowEngine conta por janela alinhada: id = floor(unix / janela).
// Cada janela tem a sua chave, então a troca de janela zera a contagem sem
// precisar de escrita extra. Rajadas de até 2x na borda são esperadas.
type FixedWindowEngine struct {
	Store domain.CounterStore
}

func (e *FixedWindowEngine) Name() domain.Strategy { return domain.FixedWindow }

func (e *FixedWindowEngine) Keys(key domain.Key, cfg domain.Config, now time.Time) []string {
	id := windowID(now, cfg.WindowSize)
	return []string{fixedKey(key, id), fixedKey(key, id-1)}
}

func fixedKey(key domain.Key, id int64) string { return "fw:{" + string(key) + "}:" + itoa(id) }

func windowID(now time.Time, windowSize int) int64 {
	ws := int64(windowSize)
	sec := now.Unix()
	id := sec / ws
	if sec < 0 && sec%ws != 0 {
		id--
	}
	return id
}

func (e *FixedWindowEngine) Check(ctx context.Context, key domain.Key, cfg domain.Config, now time.Time) (domain.Decision, error) {
	limit := cfg.RequestsPerMinute
	id := windowID(now, cfg.WindowSize)
	resetAt := time.Unix((id+1)*int64(cfg.WindowSize), 0)

	n, err := e.Store.IncrementAndGet(ctx, fixedKey(key, id), cfg.Window())
	if err != nil {
		return domain.Decision{}, domain.Unavailable("increment", err)
	}

	if n <= int64(limit) {
		return domain.Decision{
			Allowed:         true,
			Strategy:        domain.FixedWindow,
			CurrentRequests: int(n),
			MaxRequests:     limit,
			Remaining:       limit - int(n),
			ResetAt:         resetAt,
		}, nil
	}

	// o incremento além do limite não é exposto: a contagem reportada para no limite.
	return domain.Decision{
		Allowed:         false,
		Strategy:        domain.FixedWindow,
		CurrentRequests: limit,
		MaxRequests:     limit,
		Remaining:       0,
		RetryAfter:      ceilSeconds(resetAt.Sub(now)),
		ResetAt:         resetAt,
	}, nil
}
