package loginwatch

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
)

// Handler returns the HTTP surface: /healthz, /v1/login-status and, when
// mcpSrv is non-nil, the streamable MCP endpoint at /mcp. Basic Auth guards
// everything but /healthz when the config sets a user and bcrypt hash.
func (s *Service) Handler(mcpSrv *mcp.Server) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if s.cfg.HTTP.BasicAuthUser != "" {
			r.Use(basicAuth(s.cfg.HTTP.BasicAuthUser, s.cfg.HTTP.BasicAuthHash))
		}

		r.Get("/v1/login-status", s.handleLoginStatus)

		if mcpSrv != nil {
			h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
			r.Handle("/mcp", h)
			r.Handle("/mcp/*", h)
		}
	})
	return r
}

func (s *Service) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	navigate := true
	if v := q.Get("navigate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "navigate: " + err.Error()})
			return
		}
		navigate = b
	}

	rep, err := s.Check(r.Context(), q.Get("entry_url"), navigate)
	if errors.Is(err, ErrInvalidEntryURL) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// basicAuth checks the user name in constant time and the password
// against a bcrypt hash.
func basicAuth(user, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="loginwatch"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
