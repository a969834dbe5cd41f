package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func main() {
	// Exemplo: injetando o motor diretamente no seu webserver (sem proxy),
	// com uma classe de endpoint por grupo de rotas.
	log := logrus.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := infra.NewMemoryStore()
	store.StartJanitor(ctx)

	pool := infra.NewChanPool(50)
	gate := application.NewGate(store,
		application.WithLoadSampler(application.PoolLoad{Pool: pool, Nominal: 25}),
		application.WithStats(infra.NewMemoryStatsStore()),
		application.WithLogger(log),
	)

	limit := func(class string) func(http.Handler) http.Handler {
		return ratelimit.Middleware(ratelimit.Options{
			Gate:   gate,
			Class:  class,
			Logger: log,
		})
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(demoPrincipal)
	r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Pool: pool}))

	r.With(limit("api")).Get("/", ok)
	r.With(limit("auth")).Post("/login", ok)
	r.With(limit("upload")).Post("/upload", ok)
	r.With(limit("search")).Get("/search", ok)
	r.Mount("/admin", ratelimit.AdminRouter(ratelimit.AdminOptions{Gate: gate, Logger: log}))

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("example server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server error")
	}
}

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// demoPrincipal simula a camada de autenticação: confia em X-User-ID e
// X-User-Role. Só para demonstração.
func demoPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			p := domain.Principal{UserID: id, Role: r.Header.Get("X-User-Role")}
			r = r.WithContext(domain.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}
