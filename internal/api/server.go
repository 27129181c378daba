// Package api serves the node's operator HTTP surface: health, status,
// ledger export, checkpoints and administrative unban.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/kernel"
	"github.com/luizhpcruz/aeon-sub000/internal/ledger"
	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/reputation"
)

// Server is the HTTP operator API server.
type Server struct {
	addr    string
	kern    *kernel.Kernel
	rep     *reputation.Engine
	led     *ledger.Ledger
	signer  *ledger.Signer
	metrics http.Handler
	server  *http.Server
}

// New creates a server. signer and metrics may be nil; their endpoints
// report unavailable.
func New(addr string, kern *kernel.Kernel, rep *reputation.Engine, led *ledger.Ledger, signer *ledger.Signer, metrics http.Handler) *Server {
	return &Server{
		addr:    addr,
		kern:    kern,
		rep:     rep,
		led:     led,
		signer:  signer,
		metrics: metrics,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /reputation", s.handleReputation)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	mux.HandleFunc("GET /checkpoint", s.handleCheckpoint)
	mux.HandleFunc("POST /unban", s.handleUnban)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.rep.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reputation stats unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kernel":     s.kern.Status(),
		"reputation": stats,
		"ledger":     s.led.Summarize(),
	})
}

// handleReputation handles GET /reputation?peer=<id> requests.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "missing peer parameter")
		return
	}

	rec, err := s.rep.Get(peerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reputation lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleLedger handles GET /ledger requests. With compress=1 the export
// is zstd-compressed.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	data, err := s.led.ExportJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	if r.URL.Query().Get("compress") == "1" {
		compressed, err := ledger.CompressExport(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "compression failed")
			return
		}

		w.Header().Set("Content-Type", "application/zstd")
		w.WriteHeader(http.StatusOK)
		w.Write(compressed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleCheckpoint handles GET /checkpoint requests.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint signer not available")
		return
	}

	writeJSON(w, http.StatusOK, s.led.Checkpoint(s.signer))
}

// handleUnban handles POST /unban?peer=<id> requests.
func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "missing peer parameter")
		return
	}

	if err := s.kern.Unban(peerID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	logger.Info("peer unbanned via api", "peer", peerID)

	writeJSON(w, http.StatusOK, map[string]string{
		"peer":   peerID,
		"status": "unbanned",
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
