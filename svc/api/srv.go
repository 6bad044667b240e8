package api

import (
	"context"
	"net/http"
	"time"

	"cipherbin/cfg"
	"cipherbin/svc/db"
	"cipherbin/svc/lim"
	"cipherbin/svc/svc"
	"cipherbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.ReadLimiter
	cfg        *cfg.Cfg
	store      db.Store
	limStore   db.ConfigStore
	httpServer *http.Server
}

// NewServer wires the JSON API. limStore is the ConfigStore backing the
// limiters; pass nil when it is the paste store itself.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.ReadLimiter, store db.Store, limStore db.ConfigStore) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	r.Use(mw.CORS)
	s := &Server{
		router:   r,
		paste:    p,
		lim:      l,
		cfg:      c,
		store:    store,
		limStore: limStore,
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if !c.IsProduction() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(mw.Recoverer)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		hdl := &Hdl{paste: p, cfg: c}
		r.Post("/pastes", hdl.CreatePaste)
		r.With(mw.RateLimitRead).Get("/pastes/{id}", hdl.GetPaste)
		r.With(mw.RateLimitRead).Delete("/pastes/{id}", hdl.DeletePaste)
		r.Post("/pastes/{id}/comments", hdl.CreateComment)
		r.With(mw.RateLimitRead).Get("/pastes/{id}/comments", hdl.GetComments)
		r.Get("/config/expire", hdl.GetExpireOptions)
	})

	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
