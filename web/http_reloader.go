// Package web is the admin HTTP surface: a token-gated reload endpoint plus
// a health endpoint for operator visibility. Two handlers on one mux — bare
// net/http, no router.
package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/sequring/chameleon/config"
	"github.com/sequring/chameleon/orchestrator"
	"github.com/sequring/chameleon/pool"
)

// Reloader is the admin server's view of the running system: just enough
// to re-check config and reset the orchestrator's circuit breakers.
type Reloader struct {
	App    *config.App
	Socker *orchestrator.Socker
	Pool   *pool.Manager
}

// StartAdminServer serves /reload and /healthz on addr. A no-op when addr
// is empty: omitting the listen address disables the endpoint.
func StartAdminServer(addr string, r *Reloader) {
	if addr == "" {
		log.Println("Admin HTTP endpoint is disabled (no listen address specified).")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/reload", r.handleReload)
	mux.HandleFunc("/healthz", r.handleHealthz)

	log.Printf("Starting admin HTTP server on %s", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Admin HTTP server stopped: %v", err)
		}
	}()
}

func (r *Reloader) handleReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	token := req.Header.Get("X-Reload-Token")
	if !r.App.CheckReloadToken(token) {
		log.Printf("Unauthorized attempt to reload from %s", req.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	log.Printf("Received authorized reload request from %s", req.RemoteAddr)
	r.Socker.ResetBreakers()

	// Init is idempotent: if the pool is already filled this is a no-op, but
	// if the initial fill at startup failed (main.go only warns and keeps
	// serving) this gives operators a way to recover it without a restart.
	if err := r.Pool.Init(req.Context()); err != nil {
		log.Printf("Reload: pool re-initialization failed: %v", err)
		http.Error(w, "Circuit breakers reset, but pool initialization failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Circuit breakers reset and pool initialized.\n"))
}

func (r *Reloader) handleHealthz(w http.ResponseWriter, req *http.Request) {
	status := r.Pool.Status()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Printf("healthz encode error: %v", err)
	}
}
