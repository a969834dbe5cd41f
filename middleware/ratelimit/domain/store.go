package domain

import (
	"context"
	"time"
)

// CounterStore é o armazenamento compartilhado (chave/valor com TTL) usado
// pelas estratégias.
//
// Todo estado mutável compartilhado entre workers/processos vive aqui, então
// as implementações precisam garantir atomicidade em IncrementAndGet e
// CompareAndSwap. Falhas de infraestrutura devem ser devolvidas como
// *StoreUnavailableError.
type CounterStore interface {
	// IncrementAndGet incrementa a chave atomicamente e devolve o novo valor.
	// O TTL é aplicado quando a chave é criada.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Get(ctx context.Context, key string) (string, bool, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndSwap grava value somente se o valor atual for igual a old.
	// old == "" significa que a chave não pode existir.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Delete remove as chaves e devolve quantas existiam.
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// KeyCounter é opcional: estimativa do número de registros vivos.
// Implementações podem amostrar em vez de varrer tudo.
type KeyCounter interface {
	ApproxKeys(ctx context.Context) (int64, error)
}

// UpdateFunc recebe o valor atual e devolve o próximo; write=false não grava.
type UpdateFunc func(cur string, found bool) (next string, write bool)

// AtomicUpdater é opcional: executa fn com a chave travada, então leitura e
// escrita não disputam CompareAndSwap com outros workers.
type AtomicUpdater interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// SlidingWindowState é o resultado de uma checagem de janela deslizante.
// Count já inclui a requisição quando Allowed.
type SlidingWindowState struct {
	Count   int
	Start   time.Time
	Allowed bool
}

// SlidingWindowStore é opcional: a checagem inteira roda no servidor do store
// (ex.: um script Lua), numa única ida.
type SlidingWindowStore interface {
	SlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (SlidingWindowState, error)
}

// TokenBucketState traz os tokens que sobraram depois da checagem.
type TokenBucketState struct {
	Tokens  float64
	Allowed bool
}

// TokenBucketStore é opcional, como SlidingWindowStore.
type TokenBucketStore interface {
	TokenBucket(ctx context.Context, key string, capacity, refillPerSecond float64, ttl time.Duration, now time.Time) (TokenBucketState, error)
}
