package ratelimit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderStrategy  = "X-RateLimit-Strategy"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderRetry     = "Retry-After"
)

// Checker é o que o middleware precisa do Gate.
type Checker interface {
	Check(ctx context.Context, req domain.Request, class string) (domain.Decision, error)
}

// PrincipalFunc extrai o usuário autenticado da requisição.
type PrincipalFunc func(r *http.Request) (domain.Principal, bool)

// ClassFunc escolhe a classe de endpoint da requisição.
type ClassFunc func(r *http.Request) string

type Options struct {
	Gate Checker

	// Class fixa a classe; ClassFn tem precedência quando definida.
	Class   string
	ClassFn ClassFunc

	// PrincipalFn padrão: domain.PrincipalFrom(r.Context()).
	PrincipalFn        PrincipalFunc
	TrustXForwardedFor bool

	RejectStatus int // padrão 429
	ErrorStatus  int // padrão 503, quando o motor falha
	// FailOpen deixa passar quando o store está indisponível.
	// Estratégia desconhecida sempre nega.
	FailOpen bool

	Logger logrus.FieldLogger
}

// ClientIP devolve o IP de origem: primeiro IP do X-Forwarded-For (se
// confiável), depois RemoteAddr, e por fim o loopback.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	// fallback: RemoteAddr
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if v := strings.TrimSpace(r.RemoteAddr); v != "" {
		return v
	}
	return application.FallbackIP
}

func contextPrincipal(r *http.Request) (domain.Principal, bool) {
	return domain.PrincipalFrom(r.Context())
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.ErrorStatus == 0 {
		opts.ErrorStatus = http.StatusServiceUnavailable
	}
	if opts.PrincipalFn == nil {
		opts.PrincipalFn = contextPrincipal
	}
	if opts.Class == "" {
		opts.Class = application.DefaultClass
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return func(next http.Handler) http.Handler {
		if opts.Gate == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := opts.Class
			if opts.ClassFn != nil {
				if c := opts.ClassFn(r); c != "" {
					class = c
				}
			}

			req := domain.Request{IP: ClientIP(r, opts.TrustXForwardedFor)}
			if p, ok := opts.PrincipalFn(r); ok {
				req.UserID, req.Role = p.UserID, p.Role
			}

			dec, err := opts.Gate.Check(r.Context(), req, class)
			writeHeaders(w, dec)

			if err != nil {
				opts.Logger.WithError(err).WithFields(logrus.Fields{
					"class": class,
					"key":   string(dec.Key),
				}).Error("rate limit check failed")

				if opts.FailOpen && errors.Is(err, domain.ErrStoreUnavailable) {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set(HeaderRetry, formatInt(dec.RetryAfter))
				http.Error(w, http.StatusText(opts.ErrorStatus), opts.ErrorStatus)
				return
			}

			if !dec.Allowed {
				w.Header().Set(HeaderRetry, formatInt(dec.RetryAfter))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeHeaders(w http.ResponseWriter, dec domain.Decision) {
	h := w.Header()
	h.Set(HeaderLimit, formatInt(dec.MaxRequests))
	h.Set(HeaderRemaining, formatInt(dec.Remaining))
	h.Set(HeaderStrategy, string(dec.Strategy))
	if !dec.ResetAt.IsZero() {
		h.Set(HeaderReset, formatUnix(dec.ResetAt))
	}
}
