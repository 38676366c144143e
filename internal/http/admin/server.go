// Package admin expone la superficie administrativa del keystore:
// listado de claves (sólo metadata, nunca secretos), rotación manual,
// health y métricas.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/stekd/internal/observability/logger"
	"github.com/dropDatabas3/stekd/internal/ticket"
)

type Server struct {
	store  ticket.Store
	apiKey string
	log    *zap.Logger
}

func NewServer(store ticket.Store, apiKey string) *Server {
	return &Server{
		store:  store,
		apiKey: apiKey,
		log:    logger.Named("admin"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/keys", s.listKeys)
		r.Post("/keys/rotate", s.rotateKeys)
	})
	return r
}

// requireAPIKey valida X-Admin-API-Key en comparación constante.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-API-Key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /v1/admin/keys
func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.store.List(r.Context())
	if keys == nil {
		keys = []ticket.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// POST /v1/admin/keys/rotate
func (s *Server) rotateKeys(w http.ResponseWriter, r *http.Request) {
	k, err := s.store.Rotate(r.Context())
	if err != nil {
		s.log.Error("rotation failed", logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rotation_failed"})
		return
	}
	inf := ticket.InfoOf(k, true)
	k.Zero()
	writeJSON(w, http.StatusOK, inf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
