// internal/server/server.go
package server

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"rewind/internal/config"
	"rewind/internal/diff"
	"rewind/internal/eventhub"
	"rewind/internal/reconstruct"
	"rewind/internal/scrub"
	"rewind/internal/timeline"
	"rewind/internal/version"
)

// Server exposes the engine over HTTP (query surface) and websocket (scrub
// channel). It also implements eventhub.Broadcaster so engine events reach
// every connected client.
type Server struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *version.Store
	index *timeline.Index
	rec   *reconstruct.Reconstructor
	det   *diff.Detector
	hub   *eventhub.EventHub

	sessions *scrub.Manager

	// ingestMu serializes put → diff → index append so the index never
	// diverges from the store under concurrent snapshot posts.
	ingestMu sync.Mutex

	httpServer *http.Server
	listener   net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*Client
}

// New wires the server to the engine components.
func New(cfg *config.Config, store *version.Store, index *timeline.Index, rec *reconstruct.Reconstructor, det *diff.Detector, hub *eventhub.EventHub, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     logger.With().Str("component", "server").Logger(),
		store:   store,
		index:   index,
		rec:     rec,
		det:     det,
		hub:     hub,
		clients: make(map[string]*Client),
	}
	s.sessions = scrub.NewManager(rec, index, det, cfg.Scrub, logger)
	hub.SetBroadcaster(s)
	return s
}

// Router builds the chi router. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.HandleFunc("/ws/scrub", s.handleScrub)

	r.Route("/api", func(r chi.Router) {
		r.Get("/timeline", s.handleTimelineInfo)
		r.Get("/timeline/changes", s.handleTimelineChanges)
		r.Get("/state", s.handleStateAt)
		r.Post("/states", s.handleStatesAt)
		r.Get("/documents/{documentID}", s.handleDocumentAt)
		r.Get("/documents/{documentID}/lifecycle", s.handleDocumentLifecycle)
		r.Post("/snapshots", s.handleCreateSnapshot)
		r.Post("/prune", s.handlePrune)
	})
	return r
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Router()}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every scrub session and client, then shuts the HTTP server
// down.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.CloseAll()

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[string]*Client)
	s.clientsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SetScrubTuning applies hot-reloaded scrub tuning to future sessions.
func (s *Server) SetScrubTuning(t scrub.Tuning) {
	s.sessions.SetTuning(t)
}

// BroadcastEvent implements eventhub.Broadcaster.
func (s *Server) BroadcastEvent(eventType string, payload interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(eventType, payload)
	}
}
