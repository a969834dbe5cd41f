package application

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/domain"
)

// Gate concentra a regra de admissão: identidade -> config efetiva ->
// estratégia -> Decision.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Gate struct {
	provider *Provider
	store    domain.CounterStore
	engines  map[domain.Strategy]Engine
	load     domain.LoadSampler
	stats    domain.StatsStore
	now      func() time.Time
	log      logrus.FieldLogger

	// limita o volume de warnings repetidos (ex.: Redis de estatística fora).
	warn *rate.Sometimes
}

type GateOption func(*Gate)

func WithProvider(p *Provider) GateOption {
	return func(g *Gate) { g.provider = p }
}

// WithEngines substitui as engines padrão.
func WithEngines(engines ...Engine) GateOption {
	return func(g *Gate) {
		g.engines = make(map[domain.Strategy]Engine, len(engines))
		for _, e := range engines {
			g.engines[e.Name()] = e
		}
	}
}

func WithLoadSampler(s domain.LoadSampler) GateOption {
	return func(g *Gate) { g.load = s }
}

func WithStats(s domain.StatsStore) GateOption {
	return func(g *Gate) { g.stats = s }
}

// WithClock troca o relógio (testes usam relógio simulado).
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l logrus.FieldLogger) GateOption {
	return func(g *Gate) { g.log = l }
}

func NewGate(store domain.CounterStore, opts ...GateOption) *Gate {
	g := &Gate{
		store: store,
		load:  domain.StaticLoad(1.0),
		now:   time.Now,
		log:   logrus.StandardLogger(),
		warn:  &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	WithEngines(NewEngines(store)...)(g)
	for _, opt := range opts {
		opt(g)
	}
	if g.provider == nil {
		g.provider = NewProvider(nil)
	}
	if g.load == nil {
		g.load = domain.StaticLoad(1.0)
	}
	if g.log == nil {
		g.log = logrus.StandardLogger()
	}
	return g
}

func (g *Gate) Provider() *Provider { return g.provider }

// Check amostra a carga do sistema no momento da chamada.
func (g *Gate) Check(ctx context.Context, req domain.Request, class string) (domain.Decision, error) {
	return g.CheckWithLoad(ctx, req, class, g.load.Load())
}

// CheckWithLoad decide a requisição com a carga informada.
//
// Erros: *domain.UnknownStrategyError ou *domain.StoreUnavailableError. Em
// ambos a Decision devolvida vem negada; fail-open é decisão de quem chama.
func (g *Gate) CheckWithLoad(ctx context.Context, req domain.Request, class string, load float64) (domain.Decision, error) {
	id := ResolveIdentity(req)
	cfg := g.provider.GetConfig(class, ConfigContext{Role: id.Role, SystemLoad: load})
	key := domain.NewKey(id.Identifier, class)

	eng, ok := g.engines[cfg.Strategy]
	if !ok {
		return denied(key, class, cfg), &domain.UnknownStrategyError{Strategy: cfg.Strategy}
	}

	dec, err := eng.Check(ctx, key, cfg, g.now())
	if err != nil {
		return denied(key, class, cfg), domain.Unavailable("check "+string(cfg.Strategy), err)
	}
	dec.Key = key
	dec.EndpointClass = class
	dec.Strategy = cfg.Strategy

	g.record(ctx, dec)
	return dec, nil
}

func denied(key domain.Key, class string, cfg domain.Config) domain.Decision {
	return domain.Decision{
		Allowed:       false,
		Strategy:      cfg.Strategy,
		MaxRequests:   cfg.RequestsPerMinute,
		RetryAfter:    1,
		Key:           key,
		EndpointClass: class,
	}
}

func (g *Gate) record(ctx context.Context, dec domain.Decision) {
	if g.stats == nil {
		return
	}
	err := g.stats.Record(ctx, domain.StatsEvent{
		Key:           dec.Key,
		EndpointClass: dec.EndpointClass,
		Strategy:      dec.Strategy,
		Allowed:       dec.Allowed,
		At:            g.now(),
	})
	if err != nil {
		g.warn.Do(func() {
			g.log.WithError(err).Warn("rate limit stats record failed")
		})
	}
}

// Clear apaga os registros de todas as engines para (identificador, classe).
// É idempotente: devolve true mesmo sem nada para apagar.
func (g *Gate) Clear(ctx context.Context, identifier, class string) (bool, error) {
	key := domain.NewKey(identifier, class)
	cfg := g.provider.BaseConfig(class)
	now := g.now()

	var keys []string
	for _, s := range domain.Strategies() {
		if eng, ok := g.engines[s]; ok {
			keys = append(keys, eng.Keys(key, cfg, now)...)
		}
	}
	if len(keys) == 0 {
		return true, nil
	}

	n, err := g.store.Delete(ctx, keys...)
	if err != nil {
		return false, domain.Unavailable("delete", err)
	}
	g.log.WithFields(logrus.Fields{
		"key":     string(key),
		"deleted": n,
	}).Info("rate limit cleared")
	return true, nil
}

// Stats é a foto agregada para observabilidade (get_rate_limit_stats).
// Campos que dependem do store são best-effort: em erro ficam de fora.
func (g *Gate) Stats(ctx context.Context) map[string]any {
	out := map[string]any{
		"config":      g.provider.GetStats(),
		"system_load": g.load.Load(),
	}

	engines := make([]string, 0, len(g.engines))
	for _, s := range domain.Strategies() {
		if _, ok := g.engines[s]; ok {
			engines = append(engines, string(s))
		}
	}
	out["engines"] = engines

	if r, ok := g.stats.(domain.StatsReader); ok {
		if snap, err := r.Snapshot(ctx); err == nil {
			out["requests"] = snap
		} else {
			g.log.WithError(err).Warn("rate limit stats snapshot failed")
		}
	}
	if kc, ok := g.store.(domain.KeyCounter); ok {
		if n, err := kc.ApproxKeys(ctx); err == nil {
			out["tracked_keys"] = n
		}
	}
	return out
}
