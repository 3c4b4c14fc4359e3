// Package admin is the node's debug/status HTTP surface: health and
// gossip-snapshot endpoints plus a websocket tail of applied PLMs,
// grounded on the teacher's pkg/server/server.go (chi mux, middleware
// stack, graceful shutdown) and pkg/server/handlers/websocket.go's
// ChangeStreamManager (repurposed here from document change events to
// committed PLMs — the closest analogue this substrate has to a change
// stream).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mnohosten/shardsql/pkg/config"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/master"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the admin HTTP surface for one node.
type Server struct {
	cfg       *config.Config
	self      ids.GroupID
	directory *master.Directory
	startTime time.Time

	router  *chi.Mux
	httpSrv *http.Server

	tail *plmTail
}

// Config wires a Server to its dependencies. Directory may be nil for a
// Slave node, which has no gossip snapshot of its own to serve.
type Config struct {
	Cfg       *config.Config
	Self      ids.GroupID
	Driver    *node.Driver
	Directory *master.Directory
}

func New(dep Config) *Server {
	s := &Server{
		cfg:       dep.Cfg,
		self:      dep.Self,
		directory: dep.Directory,
		startTime: time.Now(),
		router:    chi.NewRouter(),
		tail:      newPLMTail(),
	}
	if dep.Driver != nil {
		dep.Driver.RegisterPLMHandler(s.tail)
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", dep.Cfg.Host, dep.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  dep.Cfg.ReadTimeout,
		WriteTimeout: dep.Cfg.WriteTimeout,
		IdleTimeout:  dep.Cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if s.cfg.EnableLogging {
		s.router.Use(middleware.Logger)
	}
	if s.cfg.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.cfg.AllowedOrigins) > 0 {
			origin = s.cfg.AllowedOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/_health", s.jsonHandler(s.handleHealth))
	s.router.Get("/_gossip", s.jsonHandler(s.handleGossip))
	s.router.Get("/_plms", s.handlePLMStream)
}

func (s *Server) jsonHandler(fn func(r *http.Request) (interface{}, int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body, status := fn(r)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) handleHealth(r *http.Request) (interface{}, int) {
	return map[string]interface{}{
		"self":    s.self.String(),
		"uptime":  time.Since(s.startTime).String(),
	}, http.StatusOK
}

// gossipView is a JSON-safe rendering of master.Gossip: its map keys
// (ids.GroupID, a struct) aren't valid JSON object keys on their own, so
// this flattens them to their String() form for the debug endpoint.
type gossipView struct {
	Version   uint64                       `json:"version"`
	Tables    map[string]interface{}       `json:"tables"`
	Locations map[string][]string          `json:"locations"`
	Leaders   map[string]string            `json:"leaders"`
}

func (s *Server) handleGossip(r *http.Request) (interface{}, int) {
	if s.directory == nil {
		return map[string]string{"error": "no gossip directory on this node"}, http.StatusNotFound
	}
	snap := s.directory.Snapshot()
	view := gossipView{
		Version:   snap.Version,
		Tables:    make(map[string]interface{}, len(snap.Tables)),
		Locations: make(map[string][]string, len(snap.Locations)),
		Leaders:   make(map[string]string, len(snap.Leaders)),
	}
	for table, schema := range snap.Tables {
		view.Tables[table] = schema
	}
	for table, rms := range snap.Locations {
		paths := make([]string, len(rms))
		for i, p := range rms {
			paths[i] = p.String()
		}
		view.Locations[table] = paths
	}
	for group, lid := range snap.Leaders {
		view.Leaders[group.String()] = lid.String()
	}
	return view, http.StatusOK
}

// handlePLMStream upgrades to a websocket and tails every PLM applied on
// this node from this point on, newest last.
func (s *Server) handlePLMStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.tail.subscribe()
	defer s.tail.unsubscribe(sub)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub:
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}

// Start runs the admin HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// plmRecord is the JSON shape a tailed PLM is rendered as; the PLM's
// Payload (opaque gob bytes) is left out of it.
type plmRecord struct {
	Kind      string `json:"kind"`
	Family    string `json:"family,omitempty"`
	IsLeader  bool   `json:"isLeader"`
	QueryID   string `json:"queryId,omitempty"`
}

// plmTail is a node.PLMHandler that fans every applied PLM out to
// subscribed websocket connections, grounded on ChangeStreamManager's
// connection-map-plus-mutex shape.
type plmTail struct {
	mu   sync.Mutex
	subs map[chan plmRecord]struct{}
}

func newPLMTail() *plmTail {
	return &plmTail{subs: make(map[chan plmRecord]struct{})}
}

func (t *plmTail) subscribe() chan plmRecord {
	ch := make(chan plmRecord, 32)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

func (t *plmTail) unsubscribe(ch chan plmRecord) {
	t.mu.Lock()
	delete(t.subs, ch)
	t.mu.Unlock()
	close(ch)
}

func (t *plmTail) HandlePLM(io node.IO, isLeader bool, p plm.PLM) {
	rec := plmRecord{Kind: p.Kind.String(), Family: p.Family, IsLeader: isLeader, QueryID: p.QueryID.String()}
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- rec:
		default:
			// Slow subscriber drops; the tail is best-effort debug output,
			// not a durable log.
		}
	}
}
