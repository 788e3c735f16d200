package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/config"
	"github.com/snarg/whisper-queue/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Deps are the services the routes call into.
type Deps struct {
	Validator KeyValidator
	Queue     JobQueue
	Engine    SyncTranscriber // nil disables POST /transcribe
	Keys      KeyAdmin
	Health    HealthSources
	Version   string
	StartTime time.Time

	OpenAPISpec []byte // served at /api/v1/openapi.yaml when set
}

// NewRouter builds the route tree. Exposed separately for tests.
func NewRouter(cfg *config.Config, d Deps, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health and API docs, no auth
		r.Get("/health", NewHealthHandler(d.Health, d.Version, d.StartTime).ServeHTTP)
		if len(d.OpenAPISpec) > 0 {
			r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/yaml")
				w.Write(d.OpenAPISpec)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(MaxBody(cfg.MaxUploadMB << 20))
			r.Use(APIKeyAuth(d.Validator, cfg.TrustProxyHeaders))
			NewTranscribeHandler(d.Queue, d.Engine, log).Routes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AdminToken))
			r.Use(MaxBody(1 << 20))
			NewAdminHandler(d.Keys).Routes(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})

	return r
}

func NewServer(cfg *config.Config, d Deps, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           NewRouter(cfg, d, log),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
