// Package adminapi exposes a debug/admin HTTP and websocket surface over
// the core: health, module listing, lock-table inspection, and a
// yang-push-style live subtree stream. This is operational tooling, not
// a protocol-conformant NETCONF/RESTCONF/gNMI session layer.
//
// Built over gorilla/mux routing and a gorilla/websocket upgrade handler
// for a live config-change stream.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sysshare/confcore/internal/locktable"
	"github.com/sysshare/confcore/internal/session"
	"github.com/sysshare/confcore/internal/shm"
	"github.com/sysshare/confcore/internal/subshm"
)

// Server is the admin HTTP surface's http.Handler, built over a mux
// router with one handler per endpoint.
type Server struct {
	router *mux.Router
	core   *session.Core
	arena  shm.Arena
	locks  *locktable.Table
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(core *session.Core, arena shm.Arena, locks *locktable.Table, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		core:   core,
		arena:  arena,
		locks:  locks,
		logger: logger,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/modules", s.handleModules).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/locks/{module}", s.handleLockState).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stream/{module}", s.handleStream)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gen, err := s.arena.Generation(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "generation": gen})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.arena.Modules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, modules)
}

func (s *Server) handleLockState(w http.ResponseWriter, r *http.Request) {
	module := mux.Vars(r)["module"]
	writeJSON(w, map[string]any{
		"module":       module,
		"inconsistent": s.locks.Inconsistent(module),
	})
}

// handleStream upgrades to a websocket and pushes a synthetic heartbeat
// per tick — a placeholder transport for a real Sub-SHM tap, run as one
// goroutine per connection, ticker-paced, closing on write error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	module := mux.Vars(r)["module"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "module", module, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]any{"module": module, "type": "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// StreamRing pumps Delivery events from deliveries into a connected
// websocket, used by a caller that has already subscribed a live
// viewer to a module's change ring via internal/subscription.
func StreamRing(ctx context.Context, conn *websocket.Conn, deliveries <-chan subshm.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(map[string]any{
				"module": d.Event.Module,
				"type":   d.Event.Type.String(),
				"id":     d.Event.ID,
			}); err != nil {
				return
			}
			d.Reply <- subshm.Ack{}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
