package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type config struct {
	listenAddr  string
	adminAddr   string
	upstreamURL string
	logLevel    string

	rateEnabled   bool
	defaultClass  string
	classRoutes   []classRoute
	trustXFF      bool
	failOpen      bool
	userHeader    string
	roleHeader    string
	rateConfig    string
	adminRPS      float64
	adminBurst    int
	loadAdaptive  bool
	loadNominal   int
	loadMin       float64
	staticLoad    float64

	store         string // "memory" ou "redis"
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	redisTimeout  time.Duration

	etcdEndpoints []string
	etcdPrefix    string

	concurrencyMax     int
	concurrencyTimeout time.Duration

	rateStatsRedis     bool
	rateStatsPrefix    string
	rateStatsTTL       time.Duration
	rateStatsBucket    string
	rateStatsTrackKeys bool
	rateStatsBuffer    int
}

// classRoute associa um prefixo de path a uma classe de endpoint.
type classRoute struct {
	prefix string
	class  string
}

func readConfig() (config, error) {
	// .env é opcional; variáveis já exportadas têm precedência.
	_ = godotenv.Load()

	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.adminAddr = getenvDefault("ADMIN_ADDR", "127.0.0.1:9090")
	cfg.upstreamURL = stringsRequired("UPSTREAM_URL")
	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.defaultClass = getenvDefault("RATE_DEFAULT_CLASS", "api")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.failOpen = getenvBoolDefault("RATE_FAIL_OPEN", false)
	// só faz sentido quando o upstream de autenticação é confiável e remove
	// esses headers vindos do cliente.
	cfg.userHeader = os.Getenv("PRINCIPAL_USER_HEADER")
	cfg.roleHeader = getenvDefault("PRINCIPAL_ROLE_HEADER", "X-User-Role")
	cfg.rateConfig = os.Getenv("RATE_CONFIG_FILE")
	cfg.adminRPS = getenvFloatDefault("ADMIN_RPS", 5)
	cfg.adminBurst = getenvIntDefault("ADMIN_BURST", 10)
	// carga fixa 1.0, salvo LOAD_ADAPTIVE=true (amostra o pool de concorrência)
	// ou STATIC_LOAD > 0.
	cfg.loadAdaptive = getenvBoolDefault("LOAD_ADAPTIVE", false)
	cfg.loadNominal = getenvIntDefault("LOAD_NOMINAL", 0)
	cfg.loadMin = getenvFloatDefault("LOAD_MIN", 1.0)
	cfg.staticLoad = getenvFloatDefault("STATIC_LOAD", 0)

	cfg.store = strings.ToLower(getenvDefault("STORE", "memory"))
	cfg.redisAddr = getenvDefault("REDIS_ADDR", "localhost:6379")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("REDIS_DB", 0)
	cfg.redisPrefix = getenvDefault("REDIS_PREFIX", "ratelimit:")
	cfg.redisTimeout = getenvDurationDefault("REDIS_TIMEOUT", 250*time.Millisecond)

	if v := strings.TrimSpace(os.Getenv("ETCD_ENDPOINTS")); v != "" {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.etcdEndpoints = append(cfg.etcdEndpoints, ep)
			}
		}
	}
	cfg.etcdPrefix = getenvDefault("ETCD_PREFIX", "/ratelimit/")

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.rateStatsRedis = getenvBoolDefault("RATE_STATS_REDIS", false)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)
	cfg.rateStatsBuffer = getenvIntDefault("RATE_STATS_BUFFER", 4096)

	routes, err := parseClassRoutes(os.Getenv("RATE_CLASS_ROUTES"))
	if err != nil {
		return config{}, err
	}
	cfg.classRoutes = routes

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.store != "memory" && cfg.store != "redis" {
		return config{}, errors.New("STORE must be memory or redis")
	}
	if cfg.rateStatsRedis && cfg.store != "redis" {
		return config{}, errors.New("RATE_STATS_REDIS=true requires STORE=redis")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.staticLoad < 0 {
		return config{}, errors.New("STATIC_LOAD must be >= 0")
	}
	if cfg.loadMin <= 0 || cfg.loadMin > 1 {
		return config{}, errors.New("LOAD_MIN must be in (0, 1]")
	}
	if cfg.loadAdaptive && cfg.concurrencyMax == 0 {
		return config{}, errors.New("LOAD_ADAPTIVE=true requires CONCURRENCY_MAX > 0")
	}
	return cfg, nil
}

// parseClassRoutes lê "/auth=auth,/upload=upload". Prefixo mais longo primeiro.
func parseClassRoutes(raw string) ([]classRoute, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []classRoute
	for _, item := range strings.Split(raw, ",") {
		prefix, class, ok := strings.Cut(strings.TrimSpace(item), "=")
		prefix, class = strings.TrimSpace(prefix), strings.TrimSpace(class)
		if !ok || prefix == "" || class == "" {
			return nil, errors.New("RATE_CLASS_ROUTES must follow PREFIX=CLASS[,PREFIX=CLASS]: " + item)
		}
		out = append(out, classRoute{prefix: prefix, class: class})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j].prefix) > len(out[j-1].prefix); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func stringsRequired(k string) string { return os.Getenv(k) }

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
