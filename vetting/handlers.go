package vetting

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type VetRequest struct {
	URL        string `json:"url"`
	PageSecure bool   `json:"page_secure"`
	// WaitMs bounds how long /vet waits for signals; nil means the server default.
	WaitMs *int `json:"wait_ms,omitempty"`
}

type VetResponse struct {
	LinkSnapshot
	Timestamp string `json:"timestamp"`
}

type ResolveRequest struct {
	URL string `json:"url"`
}

type ResolveResponse struct {
	URL string `json:"url"`
	RedirectResult
}

// Server exposes the engine over HTTP and websocket.
type Server struct {
	engine         *Engine
	vetWait        time.Duration
	allowedOrigins map[string]bool
}

// NewServer builds the HTTP surface. Websocket clients must be same-origin,
// send no Origin header, or use one of allowedOrigins.
func NewServer(engine *Engine, vetWait time.Duration, allowedOrigins ...string) *Server {
	if vetWait <= 0 {
		vetWait = 15 * time.Second
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return &Server{engine: engine, vetWait: vetWait, allowedOrigins: origins}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get("/stats", s.StatsHandler)
	r.Post("/vet", s.VetHandler)
	r.Post("/resolve", s.ResolveHandler)
	r.Get("/ws", s.StreamHandler)

	return r
}

// VetHandler scores a URL and waits, up to wait_ms, for its signals to settle.
func (s *Server) VetHandler(w http.ResponseWriter, r *http.Request) {
	var req VetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "url required"})
		return
	}
	wait := s.vetWait
	if req.WaitMs != nil {
		if *req.WaitMs < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "wait_ms must not be negative"})
			return
		}
		wait = time.Duration(*req.WaitMs) * time.Millisecond
	}

	// Lookups outlive the wait so their results still reach the cache.
	link := s.engine.RequestVerdict(context.WithoutCancel(r.Context()), req.URL, req.PageSecure, nil)

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if err := link.Wait(ctx); err != nil {
			log.Printf("[HTTP] %s not settled after %s, returning partial verdict", req.URL, wait)
		}
	}

	writeJSON(w, http.StatusOK, VetResponse{
		LinkSnapshot: link.Snapshot(),
		Timestamp:    time.Now().Format(time.RFC3339),
	})
	log.Println("[HTTP] Vetting completed for:", req.URL)
}

// ResolveHandler follows a URL's redirects on demand.
func (s *Server) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "url required"})
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{URL: req.URL, RedirectResult: s.engine.Resolve(r.Context(), req.URL)})
}

func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

type streamRequest struct {
	URL        string `json:"url"`
	PageSecure bool   `json:"page_secure"`
}

type streamFrame struct {
	Type    string        `json:"type"`
	Link    *LinkSnapshot `json:"link,omitempty"`
	Update  *Update       `json:"update,omitempty"`
	Message string        `json:"message,omitempty"`
}

// StreamHandler upgrades to a websocket. Every text frame names a URL; the
// server answers with an "initial" frame, then an "update" frame per change.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	up := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(64 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Updates arrive from provider goroutines; gorilla allows one writer at a time.
	var writeMu sync.Mutex
	send := func(f streamFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(f))
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			send(streamFrame{Type: "error", Message: "expected text frame"})
			continue
		}
		var req streamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			send(streamFrame{Type: "error", Message: "invalid json"})
			continue
		}
		if strings.TrimSpace(req.URL) == "" {
			send(streamFrame{Type: "error", Message: "url required"})
			continue
		}

		// The initial frame must go out before any update for the link.
		writeMu.Lock()
		link := s.engine.RequestVerdict(ctx, req.URL, req.PageSecure, func(u Update) {
			if u.Kind == UpdateInitial {
				return
			}
			send(streamFrame{Type: "update", Update: &u})
		})
		snap := link.InitialSnapshot()
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(streamFrame{Type: "initial", Link: &snap}))
		writeMu.Unlock()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[strings.TrimRight(strings.ToLower(origin), "/")] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	log.Printf("[HTTP] Rejected websocket origin %q", origin)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
