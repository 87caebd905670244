package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// AdminPrefix is the path prefix of the management endpoints. Requests sent
// directly to the proxy (not proxied) are routed here.
const AdminPrefix = "/_pagecache"

type statusResponse struct {
	Version string `json:"version"`
	Scope   string `json:"scope"`
	State   string `json:"state"`
	Claimed bool   `json:"claimed"`
}

type cacheResponse struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Keys    []string `json:"keys,omitempty"`
}

func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/caches", s.handleListCaches)
		r.Get("/caches/{name}", s.handleGetCache)
		r.Post("/update", s.handleUpdate)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "This is a caching proxy server. Configure it as your HTTP proxy.", http.StatusNotFound)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := s.Active()
	if active == nil {
		writeJSON(w, http.StatusOK, statusResponse{Version: s.config.Cache.Version, Scope: s.config.Worker.Scope, State: "none"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version: active.Version(),
		Scope:   active.Scope().String(),
		State:   active.State().String(),
		Claimed: s.claimed.Load(),
	})
}

func (s *Server) handleListCaches(w http.ResponseWriter, r *http.Request) {
	names, err := s.storage.Keys(r.Context())
	if err != nil {
		logrus.Errorf("Failed to list caches: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	current := s.currentVersion()
	caches := make([]cacheResponse, 0, len(names))
	for _, name := range names {
		caches = append(caches, cacheResponse{Name: name, Current: name == current})
	}
	writeJSON(w, http.StatusOK, caches)
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	c, err := s.storage.Lookup(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, "no such cache", http.StatusNotFound)
		return
	}
	keys, err := c.Keys(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, cacheResponse{Name: name, Current: name == s.currentVersion(), Keys: keys})
}

// handleUpdate re-runs install and activate with the configured resources
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	// the update must finish even if the admin client goes away
	if err := s.Update(context.WithoutCancel(r.Context())); err != nil {
		logrus.Errorf("Update failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) currentVersion() string {
	if active := s.Active(); active != nil {
		return active.Version()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write response: %v", err)
	}
}
