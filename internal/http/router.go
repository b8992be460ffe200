package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calserve/internal/auth"
	"gitea.jw6.us/james/calserve/internal/config"
	"gitea.jw6.us/james/calserve/internal/dav"
	"gitea.jw6.us/james/calserve/internal/http/ratelimit"
	"gitea.jw6.us/james/calserve/internal/metrics"
)

func init() {
	for _, method := range []string{
		"PROPFIND",
		"PROPPATCH",
		"MKCOL",
		"MKCALENDAR",
		"REPORT",
		"COPY",
		"MOVE",
	} {
		chi.RegisterMethod(method)
	}
}

// NewRouter wires the DAV endpoint plus operational routes. ready reports
// backend health for the readiness probe; nil means always ready.
func NewRouter(cfg *config.Config, davHandler *dav.Handler, authService *auth.Service, ready func(context.Context) error) http.Handler {
	r := chi.NewRouter()

	davRateLimiter := ratelimit.New(ratelimit.Limits{
		PerSecond: rate.Limit(cfg.RateLimit.PerSecond),
		Burst:     cfg.RateLimit.Burst,
	}, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	// GET and PROPFIND both serve CalDAV discovery
	wellKnownHandler := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dav/", http.StatusMovedPermanently)
	}
	r.Get("/.well-known/caldav", wellKnownHandler)
	r.MethodFunc("PROPFIND", "/.well-known/caldav", wellKnownHandler)
	r.MethodFunc("PROPFIND", "/", wellKnownHandler)

	// Apple Calendar probes these legacy paths before /dav/
	principalsRedirectHandler := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dav"+cfg.PrincipalPrefix+"/", http.StatusMovedPermanently)
	}
	r.MethodFunc("PROPFIND", "/principals/*", principalsRedirectHandler)
	r.MethodFunc("PROPFIND", "/calendar/*", wellKnownHandler)

	davHandler.Prefix = "/dav"
	r.Route("/dav", func(r chi.Router) {
		r.Use(davRateLimiter.Middleware())
		r.Use(func(next http.Handler) http.Handler {
			return http.StripPrefix("/dav", next)
		})

		// OPTIONS stays reachable without credentials for client discovery
		r.MethodFunc("OPTIONS", "/*", davHandler.Options)

		r.Group(func(r chi.Router) {
			r.Use(authService.RequireDAVAuth)
			r.MethodFunc("HEAD", "/*", davHandler.Head)
			r.MethodFunc("GET", "/*", davHandler.Get)
			r.MethodFunc("PROPFIND", "/*", davHandler.Propfind)
			r.MethodFunc("PROPPATCH", "/*", davHandler.Proppatch)
			r.MethodFunc("MKCOL", "/*", davHandler.Mkcol)
			r.MethodFunc("MKCALENDAR", "/*", davHandler.Mkcalendar)
			r.MethodFunc("PUT", "/*", davHandler.Put)
			r.MethodFunc("DELETE", "/*", davHandler.Delete)
			r.MethodFunc("COPY", "/*", davHandler.Copy)
			r.MethodFunc("MOVE", "/*", davHandler.Move)
			r.MethodFunc("POST", "/*", davHandler.Post)
			r.MethodFunc("REPORT", "/*", davHandler.Report)
		})
	})

	return r
}
