package ratelimit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

type AdminOptions struct {
	Gate *application.Gate

	// MutationRPS/MutationBurst limitam as rotas que alteram estado
	// (padrão 5 rps, burst 10). As leituras não são limitadas.
	MutationRPS   float64
	MutationBurst int

	Logger logrus.FieldLogger
}

type adminAPI struct {
	gate *application.Gate
	log  logrus.FieldLogger
}

// AdminRouter monta a API de administração:
//
//	GET    /config/stats
//	POST   /config/validate
//	POST   /config/reset
//	GET    /config/{class}?role=admin&load=1.5
//	PUT    /config/{class}
//	DELETE /config/{class}
//	PUT    /multipliers/roles/{role}
//	PUT    /multipliers/endpoints/{class}
//	GET    /stats
//	DELETE /limits/{class}?identifier=ip:10.0.0.1
func AdminRouter(opts AdminOptions) http.Handler {
	if opts.MutationRPS <= 0 {
		opts.MutationRPS = 5
	}
	if opts.MutationBurst <= 0 {
		opts.MutationBurst = 10
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	api := &adminAPI{gate: opts.Gate, log: opts.Logger}
	throttle := throttleMiddleware(rate.NewLimiter(rate.Limit(opts.MutationRPS), opts.MutationBurst))

	r := chi.NewRouter()
	r.Get("/config/stats", api.configStats)
	r.Post("/config/validate", api.validateConfig)
	r.Get("/config/{class}", api.getConfig)
	r.Get("/stats", api.stats)

	r.Group(func(r chi.Router) {
		r.Use(throttle)
		r.Post("/config/reset", api.resetConfig)
		r.Put("/config/{class}", api.updateConfig)
		r.Delete("/config/{class}", api.removeConfig)
		r.Put("/multipliers/roles/{role}", api.setRoleMultiplier)
		r.Put("/multipliers/endpoints/{class}", api.setEndpointMultiplier)
		r.Delete("/limits/{class}", api.clearLimit)
	})
	return r
}

// throttleMiddleware usa um único token bucket global (x/time/rate) para a
// API administrativa.
func throttleMiddleware(lim *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set(HeaderRetry, "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

func (a *adminAPI) writeError(w http.ResponseWriter, err error) {
	var ce *domain.ConfigurationError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: domain.ErrConfiguration.Error(), Violations: ce.Violations})
	case errors.Is(err, domain.ErrStoreUnavailable):
		a.log.WithError(err).Error("admin: counter store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	}
}

func decodeConfig(r *http.Request) (domain.Config, error) {
	var cfg domain.Config
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return domain.Config{}, err
	}
	return cfg, nil
}

func (a *adminAPI) configStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gate.Provider().GetStats())
}

func (a *adminAPI) validateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	violations := application.ValidateConfig(cfg)
	if violations == nil {
		violations = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}

func (a *adminAPI) getConfig(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	cctx := application.ConfigContext{
		Role:       strings.TrimSpace(r.URL.Query().Get("role")),
		SystemLoad: 1.0,
	}
	if v := r.URL.Query().Get("load"); v != "" {
		load, err := strconv.ParseFloat(v, 64)
		if err != nil {
			a.writeError(w, errors.New("load must be a number"))
			return
		}
		cctx.SystemLoad = load
	}
	writeJSON(w, http.StatusOK, a.gate.Provider().GetConfig(class, cctx))
}

func (a *adminAPI) updateConfig(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	cfg, err := decodeConfig(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.gate.Provider().UpdateConfig(class, cfg); err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"class": class, "config": cfg}).Info("admin: config updated")
	writeJSON(w, http.StatusOK, cfg)
}

func (a *adminAPI) removeConfig(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	if err := a.gate.Provider().RemoveConfig(class); err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithField("class", class).Info("admin: config removed")
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) resetConfig(w http.ResponseWriter, _ *http.Request) {
	a.gate.Provider().Reset()
	a.log.Info("admin: config reset to defaults")
	w.WriteHeader(http.StatusNoContent)
}

type multiplierBody struct {
	Multiplier float64 `json:"multiplier"`
}

func decodeMultiplier(r *http.Request) (float64, error) {
	var body multiplierBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Multiplier, nil
}

func (a *adminAPI) setRoleMultiplier(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	f, err := decodeMultiplier(r)
	if err == nil {
		err = a.gate.Provider().SetRoleMultiplier(role, f)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"role": role, "multiplier": f}).Info("admin: role multiplier updated")
	writeJSON(w, http.StatusOK, multiplierBody{Multiplier: f})
}

func (a *adminAPI) setEndpointMultiplier(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	f, err := decodeMultiplier(r)
	if err == nil {
		err = a.gate.Provider().SetEndpointMultiplier(class, f)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"class": class, "multiplier": f}).Info("admin: endpoint multiplier updated")
	writeJSON(w, http.StatusOK, multiplierBody{Multiplier: f})
}

func (a *adminAPI) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gate.Stats(r.Context()))
}

func (a *adminAPI) clearLimit(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	if identifier == "" {
		a.writeError(w, errors.New("identifier is required"))
		return
	}
	ok, err := a.gate.Clear(r.Context(), identifier, class)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": ok})
}
