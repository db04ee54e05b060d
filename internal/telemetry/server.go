package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k3wko/daxmon/internal/logging"
)

// Server exposes the store over HTTP: JSON snapshots for polling clients,
// a websocket frame feed for live displays and a Prometheus scrape
// endpoint. It carries no rendering of its own.
type Server struct {
	store    *Store
	log      logging.Logger
	mux      *http.ServeMux
	srv      *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	addr net.Addr
}

// NewServer builds a server for the given listen address. The registry is
// private to the server so repeated construction never collides.
func NewServer(addr string, store *Store, log logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	s := &Server{
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/live", s.handleLive)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.mux = mux
	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the route table for embedding into another server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr reports the bound listen address once Start has opened the socket.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Start listens and serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("telemetry listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("telemetry shutdown", logging.F("error", err))
		}
	}()

	s.log.Info("telemetry server listening", logging.F("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.store.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status   Status           `json:"status"`
		Counters CountersSnapshot `json:"counters"`
	}{s.store.Status(), s.store.Counters().Snapshot()})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("live upgrade failed", logging.F("error", err))
		return
	}
	defer conn.Close()

	ch, cancel := s.store.Subscribe()
	defer cancel()

	// reads only serve to detect the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
