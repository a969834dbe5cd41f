package infra

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"admission-gateway/middleware/ratelimit/domain"
)

// AsyncStats desacopla o registro de estatísticas do caminho da requisição:
// Record só enfileira; um worker grava no store de destino. Com a fila cheia o
// evento é descartado e contado em Dropped.
type AsyncStats struct {
	next    domain.StatsStore
	events  chan domain.StatsEvent
	dropped atomic.Int64
	log     logrus.FieldLogger

	once sync.Once
	done chan struct{}
}

func NewAsyncStats(next domain.StatsStore, buffer int, log logrus.FieldLogger) *AsyncStats {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AsyncStats{
		next:   next,
		events: make(chan domain.StatsEvent, buffer),
		log:    log,
		done:   make(chan struct{}),
	}
}

// Start inicia o worker. Ao cancelar ctx, o que estiver na fila é descartado.
func (a *AsyncStats) Start(ctx context.Context) {
	a.once.Do(func() {
		go func() {
			defer close(a.done)
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-a.events:
					if err := a.next.Record(ctx, ev); err != nil {
						a.log.WithError(err).Debug("async stats record failed")
					}
				}
			}
		}()
	})
}

// Done fecha quando o worker termina.
func (a *AsyncStats) Done() <-chan struct{} { return a.done }

func (a *AsyncStats) Record(_ context.Context, ev domain.StatsEvent) error {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *AsyncStats) Dropped() int64 { return a.dropped.Load() }

// Snapshot delega ao store de destino quando ele souber agregar.
func (a *AsyncStats) Snapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	if r, ok := a.next.(domain.StatsReader); ok {
		return r.Snapshot(ctx)
	}
	return domain.StatsSnapshot{}, nil
}
