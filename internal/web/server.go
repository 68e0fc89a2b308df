// Package web provides an HTTP status server for the photobeam-sensor daemon.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sweeney/photobeam-sensor/internal/logic"
	"github.com/sweeney/photobeam-sensor/internal/status"
)

// Options selects the optional endpoints.
type Options struct {
	// Resets receives beam indices from POST /reset. Nil disables the endpoint.
	Resets chan<- uint8
	// Websocket enables live updates on /ws.
	Websocket bool
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	resets     chan<- uint8
	hub        *Hub
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	s := &Server{tracker: tracker, resets: opts.Resets}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/reset", s.handleReset)
	if opts.Websocket {
		s.hub = NewHub(HubConfig{})
		mux.HandleFunc("/ws", s.handleWS)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Hub returns the websocket hub, or nil when websockets are disabled.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// BroadcastEvent pushes a beam transition to websocket clients.
func (s *Server) BroadcastEvent(e logic.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast("event", e.Timestamp, eventData{
		Event:     string(e.Type),
		Index:     e.Beam,
		Name:      e.Name,
		State:     string(e.State),
		Reading:   e.Reading,
		Threshold: e.Threshold,
		Mask:      e.Mask,
	})
}

// BroadcastStatus pushes the current status snapshot to websocket clients.
func (s *Server) BroadcastStatus() {
	if s.hub == nil {
		return
	}
	snap := s.tracker.Snapshot()
	s.hub.Broadcast("status", snap.Now, json.RawMessage(status.FormatStatusEvent(snap, "", "")))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap, s.hub != nil)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// handleReset queues a history reset for one beam. The poll loop applies it
// on its next tick, so the response is 202 rather than 200.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.resets == nil {
		http.Error(w, "reset disabled", http.StatusServiceUnavailable)
		return
	}

	n, err := strconv.ParseUint(r.URL.Query().Get("beam"), 10, 8)
	if err != nil {
		http.Error(w, "beam must be an index between 0 and 255", http.StatusBadRequest)
		return
	}
	beam := uint8(n)
	if !s.hasBeam(beam) {
		http.Error(w, fmt.Sprintf("no beam with index %d", beam), http.StatusBadRequest)
		return
	}

	select {
	case s.resets <- beam:
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "reset queued for beam %d\n", beam)
	default:
		http.Error(w, "reset queue full", http.StatusServiceUnavailable)
	}
}

func (s *Server) hasBeam(index uint8) bool {
	for _, b := range s.tracker.Snapshot().Beams {
		if b.Index == index {
			return true
		}
	}
	return false
}
