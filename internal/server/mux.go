// Package server exposes the document store over HTTP: REST for record
// upsert and fetch, and a websocket change feed per user.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/auth"
	"github.com/alexjbarnes/dash-sync/internal/docstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// defaultMaxBodyBytes caps an uploaded snapshot.
	defaultMaxBodyBytes = 8 << 20

	// defaultPingInterval keeps idle change feeds alive through proxies.
	defaultPingInterval = 30 * time.Second

	// writeTimeout bounds a single change event write.
	writeTimeout = 10 * time.Second
)

// RouterConfig holds dependencies for building the HTTP router.
type RouterConfig struct {
	Store        *docstore.Store
	Auth         auth.Authenticator
	Logger       *slog.Logger
	MaxBodyBytes int64
	PingInterval time.Duration
}

type handler struct {
	store        *docstore.Store
	logger       *slog.Logger
	maxBodyBytes int64
	pingInterval time.Duration
}

// NewRouter builds the chi router. Everything under /v1 requires a
// bearer API key belonging to the user named in the path.
func NewRouter(cfg RouterConfig) *chi.Mux {
	h := &handler{
		store:        cfg.Store,
		logger:       cfg.Logger.With(slog.String("component", "server")),
		maxBodyBytes: cfg.MaxBodyBytes,
		pingInterval: cfg.PingInterval,
	}

	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}

	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(h.withLogging)

	router.Get("/healthz", h.health)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth, h.logger))

		r.Route("/v1/records/{userID}", func(r chi.Router) {
			r.Use(h.requireOwner)
			r.Put("/", h.putRecord)
			r.Get("/", h.getRecord)
			r.Get("/changes", h.changes)
		})
	})

	return router
}

// pathUserID returns the unescaped {userID} path parameter.
func pathUserID(r *http.Request) string {
	raw := chi.URLParam(r, "userID")

	userID, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}

	return userID
}

// requireOwner rejects requests whose key belongs to a different user
// than the one in the path.
func (h *handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathUser := docstore.NormalizeUserID(pathUserID(r))
		keyUser := docstore.NormalizeUserID(auth.RequestUserID(r.Context()))

		if pathUser == "" || pathUser != keyUser {
			h.logger.Debug("key used for another user",
				slog.String("key_user", keyUser),
				slog.String("path_user", pathUser),
				slog.String("ip", auth.RequestRemoteIP(r.Context())),
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *handler) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
