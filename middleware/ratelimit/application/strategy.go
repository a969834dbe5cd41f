package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Engine é um algoritmo de admissão que opera sobre o CounterStore.
// Cada engine é dona do formato dos seus registros.
type Engine interface {
	Name() domain.Strategy
	Check(ctx context.Context, key domain.Key, cfg domain.Config, now time.Time) (domain.Decision, error)
	// Keys lista os registros que a engine mantém para key (usado pelo clear).
	Keys(key domain.Key, cfg domain.Config, now time.Time) []string
}

// NewEngines devolve as três estratégias sobre o mesmo store.
func NewEngines(store domain.CounterStore) []Engine {
	return []Engine{
		&SlidingWindowEngine{Store: store},
		&TokenBucketEngine{Store: store},
		&FixedWindowEngine{Store: store},
	}
}

// Espera entre tentativas de CompareAndSwap: exponencial com jitter, limitada
// pelo ctx (ou por casBudget quando o ctx não tem deadline).
const (
	casBackoffMin = 50 * time.Microsecond
	casBackoffMax = 5 * time.Millisecond
	casBudget     = time.Second
)

var errContention = errors.New("compare-and-swap retries exhausted")

// atomicUpdate é o caminho de leitura+escrita das engines. Stores que
// implementam domain.AtomicUpdater executam fn sob lock; os demais caem no
// laço de CompareAndSwap.
func atomicUpdate(ctx context.Context, store domain.CounterStore, key string, ttl time.Duration, fn domain.UpdateFunc) error {
	if u, ok := store.(domain.AtomicUpdater); ok {
		if err := u.Update(ctx, key, ttl, fn); err != nil {
			return domain.Unavailable("update", err)
		}
		return nil
	}
	return casUpdate(ctx, store, key, ttl, fn)
}

// casUpdate lê, calcula e grava com CompareAndSwap, repetindo enquanto outro
// worker ganhar a corrida.
func casUpdate(ctx context.Context, store domain.CounterStore, key string, ttl time.Duration, fn domain.UpdateFunc) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, casBudget)
		defer cancel()
	}

	backoff := casBackoffMin
	for {
		cur, found, err := store.Get(ctx, key)
		if err != nil {
			return domain.Unavailable("get", err)
		}
		next, write := fn(cur, found)
		if !write {
			return nil
		}
		old := cur
		if !found {
			old = ""
		}
		ok, err := store.CompareAndSwap(ctx, key, old, next, ttl)
		if err != nil {
			return domain.Unavailable("compare-and-swap", err)
		}
		if ok {
			return nil
		}

		t := time.NewTimer(jitter(backoff))
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.Unavailable("compare-and-swap "+key, fmt.Errorf("%w: %w", errContention, ctx.Err()))
		case <-t.C:
		}
		backoff = min(2*backoff, casBackoffMax)
	}
}

// jitter sorteia em [d/2, d].
func jitter(d time.Duration) time.Duration {
	return d/2 + rand.N(d/2+1)
}

// registro "a|b" usado por sliding window e token bucket.
func encodePair(a, b string) string { return a + "|" + b }

func decodePair(v string) (string, string, bool) {
	a, b, ok := strings.Cut(v, "|")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// ceilSeconds arredonda para cima, com mínimo de 1s.
func ceilSeconds(d time.Duration) int {
	n := int(math.Ceil(d.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
