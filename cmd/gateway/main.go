package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := readConfig()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}
	if lvl, err := logrus.ParseLevel(cfg.logLevel); err == nil {
		log.SetLevel(lvl)
	}

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		log.WithError(err).Fatal("invalid UPSTREAM_URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithField("path", r.URL.Path).Warn("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		store domain.CounterStore
		rdb   *redis.Client
	)
	switch cfg.store {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rs := infra.NewRedisStore(rdb, infra.WithKeyPrefix(cfg.redisPrefix), infra.WithTimeout(cfg.redisTimeout))
		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		err := rs.Ping(pingCtx)
		cancelPing()
		if err != nil {
			log.WithError(err).Fatal("redis ping error")
		}
		store = rs
	default:
		ms := infra.NewMemoryStore()
		ms.StartJanitor(ctx)
		store = ms
	}

	var sink domain.StatsStore = infra.NewMemoryStatsStore()
	if cfg.rateStatsRedis {
		sink = infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsBucket(cfg.rateStatsBucket),
			infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
		)
	}
	stats := infra.NewAsyncStats(sink, cfg.rateStatsBuffer, log)
	stats.Start(ctx)

	provider := application.NewProvider(nil)
	if cfg.rateConfig != "" {
		fc, err := infra.LoadFileConfig(cfg.rateConfig)
		if err != nil {
			log.WithError(err).Fatal("rate limit config file")
		}
		if err := fc.Apply(provider); err != nil {
			log.WithError(err).Fatal("rate limit config file")
		}
	}

	if len(cfg.etcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.etcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.WithError(err).Fatal("etcd client")
		}
		defer func() { _ = cli.Close() }()

		src := infra.NewEtcdConfigSource(cli, provider, cfg.etcdPrefix, log)
		loadCtx, cancelLoad := context.WithTimeout(ctx, 5*time.Second)
		rev, err := src.Load(loadCtx)
		cancelLoad()
		if err != nil {
			log.WithError(err).Fatal("etcd load")
		}
		go src.Watch(ctx, rev)
	}

	pool := infra.NewChanPool(max(cfg.concurrencyMax, 1))
	load := newLoadSampler(cfg, pool)

	gate := application.NewGate(store,
		application.WithProvider(provider),
		application.WithLoadSampler(load),
		application.WithStats(stats),
		application.WithLogger(log),
	)

	h := http.Handler(proxy)
	if cfg.concurrencyMax > 0 {
		h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Pool:           pool,
			RejectStatus:   http.StatusServiceUnavailable,
			AcquireTimeout: cfg.concurrencyTimeout,
		})(h)
	}
	if cfg.rateEnabled {
		opts := ratelimit.Options{
			Gate:               gate,
			Class:              cfg.defaultClass,
			ClassFn:            classByPrefix(cfg.classRoutes),
			TrustXForwardedFor: cfg.trustXFF,
			FailOpen:           cfg.failOpen,
			Logger:             log,
		}
		if cfg.userHeader != "" {
			opts.PrincipalFn = principalFromHeaders(cfg.userHeader, cfg.roleHeader)
		}
		h = ratelimit.Middleware(opts)(h)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	admin := &http.Server{
		Addr: cfg.adminAddr,
		Handler: ratelimit.AdminRouter(ratelimit.AdminOptions{
			Gate:          gate,
			MutationRPS:   cfg.adminRPS,
			MutationBurst: cfg.adminBurst,
			Logger:        log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("admin server error")
		}
	}()

	log.WithFields(logrus.Fields{
		"listen":   cfg.listenAddr,
		"admin":    cfg.adminAddr,
		"upstream": target.String(),
	}).Info("gateway listening")
	log.WithFields(logrus.Fields{
		"enabled":  cfg.rateEnabled,
		"store":    cfg.store,
		"class":    cfg.defaultClass,
		"routes":   len(cfg.classRoutes),
		"trustXFF": cfg.trustXFF,
		"failOpen": cfg.failOpen,
		"etcd":     len(cfg.etcdEndpoints) > 0,
	}).Info("rate limit")
	log.WithFields(logrus.Fields{
		"max":            cfg.concurrencyMax,
		"acquireTimeout": cfg.concurrencyTimeout.String(),
	}).Info("concurrency")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server error")
	}
}

func newLoadSampler(cfg config, pool domain.SlotPool) domain.LoadSampler {
	switch {
	case cfg.staticLoad > 0:
		return domain.StaticLoad(cfg.staticLoad)
	case cfg.loadAdaptive:
		return application.PoolLoad{Pool: pool, Nominal: cfg.loadNominal, Min: cfg.loadMin}
	}
	return domain.StaticLoad(1.0)
}

func classByPrefix(routes []classRoute) ratelimit.ClassFunc {
	if len(routes) == 0 {
		return nil
	}
	return func(r *http.Request) string {
		for _, rt := range routes {
			if strings.HasPrefix(r.URL.Path, rt.prefix) {
				return rt.class
			}
		}
		return ""
	}
}

func principalFromHeaders(userHeader, roleHeader string) ratelimit.PrincipalFunc {
	return func(r *http.Request) (domain.Principal, bool) {
		id := strings.TrimSpace(r.Header.Get(userHeader))
		if id == "" {
			return domain.Principal{}, false
		}
		return domain.Principal{UserID: id, Role: strings.TrimSpace(r.Header.Get(roleHeader))}, true
	}
}
