package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/shield"
)

// Version is reported by /health and the MCP implementation.
const Version = "0.3.0"

// Server is the HTTP face of a relay: room sockets, the backing-store REST
// API and the MCP tools.
type Server struct {
	hub      *Hub
	store    boardstore.Store
	opts     options
	mcp      *mcp.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer wires hub and store. store may be nil for a pure relay; the
// REST routes and board tools are then not mounted.
func NewServer(hub *Hub, store boardstore.Store, opts ...Option) *Server {
	s := &Server{
		hub:   hub,
		store: store,
		opts:  buildOptions(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps and browser tabs on any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "boardsync-relay", Version: Version}, nil)
	s.RegisterMCP(s.mcp)
	return s
}

// MCP returns the MCP server carrying the relay tools.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Handler builds the router:
//
//	GET  /health
//	GET  /rooms
//	GET  /stats
//	GET  /rooms/{room}/ws?client=ID
//	/boards/...          (boardstore.Routes)
//	/mcp                 (streamable HTTP)
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.opts.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := s.hub.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": Version,
			"uptime":  time.Since(s.started).Round(time.Second).String(),
			"rooms":   st.Rooms,
			"peers":   st.Peers,
		})
	})
	r.Get("/rooms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.hub.Rooms())
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.hub.Stats())
	})
	r.Get("/rooms/{room}/ws", s.serveWebSocket)

	if s.store != nil {
		boardstore.Routes(r, s.store, s.opts.logger)
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	r.Handle("/mcp", mcpHandler)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
