package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cipherbin/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Store   string `json:"store"`
	Limiter string `json:"limiter"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:   true,
		Store:   s.cfg.StoreBackend,
		Limiter: "shared",
	}
	storeCtx, storeCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer storeCancel()
	if err := s.store.Ping(storeCtx); err != nil {
		util.Error().Err(err).Msg("store health check failed")
		resp.Store = "down"
		resp.Ready = false
	}
	if s.limStore != nil {
		resp.Limiter = "up"
		limCtx, limCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer limCancel()
		if err := s.limStore.Ping(limCtx); err != nil {
			util.Error().Err(err).Msg("limiter store health check failed")
			resp.Limiter = "down"
			resp.Ready = false
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
