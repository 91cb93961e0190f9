package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaygrid/followcache/internal/metrics"
	"github.com/relaygrid/followcache/pkg/graphcache"
)

const requestTimeout = 10 * time.Second

type server struct {
	g *graphcache.GraphCore
}

// AttachRoutes wires the cache's operations onto mux: health and metrics
// endpoints, plus a small JSON surface over Followed/Follow/Unfollow/Tell
// meant for manual exercising and integration tests, not as a public API
// contract.
func AttachRoutes(mux *http.ServeMux, g *graphcache.GraphCore) {
	s := &server{g: g}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/followed", s.getFollowed) // GET ?user_id=
	mux.HandleFunc("/follow", s.postFollow)     // POST
	mux.HandleFunc("/unfollow", s.postUnfollow) // POST
	mux.HandleFunc("/tell", s.postTell)         // POST
}

func (s *server) getFollowed(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "bad user_id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	out, err := s.g.Followed(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, out)
}

func (s *server) postFollow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body edgeReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.g.Follow(body.Left, body.Right)
	writeJSON(w, map[string]any{"ok": true})
}

func (s *server) postUnfollow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body edgeReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.g.Unfollow(body.Left, body.Right)
	writeJSON(w, map[string]any{"ok": true})
}

func (s *server) postTell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		UserID uuid.UUID `json:"user_id"`
		Online bool      `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	watchers := s.g.Tell(body.UserID, graphcache.UserMeta{Online: body.Online})
	writeJSON(w, watchers)
}

type edgeReq struct {
	Left  uuid.UUID `json:"left"`
	Right uuid.UUID `json:"right"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
