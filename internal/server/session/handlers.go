package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/streamdock/streamdock/internal/server/store"
	"github.com/streamdock/streamdock/internal/util/timefmt"
)

// sessionJSON is the API representation of a session.
type sessionJSON struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	WorkingDir   string `json:"working_dir"`
	CLISessionID string `json:"cli_session_id,omitempty"`
	Status       string `json:"status"`
	ExitCode     *int64 `json:"exit_code,omitempty"`
	StartedAt    string `json:"started_at"`
	EndedAt      string `json:"ended_at,omitempty"`
}

func toSessionJSON(s store.Session) sessionJSON {
	out := sessionJSON{
		ID:           s.ID,
		Title:        s.Title,
		Model:        s.Model,
		WorkingDir:   s.WorkingDir,
		CLISessionID: s.CLISessionID,
		Status:       s.Status,
		StartedAt:    timefmt.Format(s.StartedAt),
	}
	if s.ExitCode.Valid {
		code := s.ExitCode.Int64
		out.ExitCode = &code
	}
	if s.EndedAt.Valid {
		out.EndedAt = timefmt.Format(s.EndedAt.Time)
	}
	return out
}

// RegisterHandlers mounts the session REST API on mux.
func RegisterHandlers(mux *http.ServeMux, svc *Service) {
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var opts StartOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		sess, err := svc.Start(r.Context(), opts)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			slog.Error("api: start session", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start session")
			return
		}
		writeJSON(w, http.StatusCreated, toSessionJSON(sess))
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		sessions, err := svc.List(r.Context(), limit)
		if err != nil {
			slog.Error("api: list sessions", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		out := make([]sessionJSON, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, toSessionJSON(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, err := svc.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionJSON(sess))
	})

	mux.HandleFunc("POST /api/sessions/{id}/input", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}
		if err := svc.SendInput(r.PathValue("id"), body.Text); err != nil {
			writeSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /api/sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Stop(r.PathValue("id")); err != nil {
			writeSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /api/sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		var afterSeq int64
		if raw := r.URL.Query().Get("after_seq"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid after_seq")
				return
			}
			afterSeq = n
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		events, err := svc.Events(r.Context(), r.PathValue("id"), afterSeq, limit)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	})
}

// CORSMiddleware allows cross-origin API access from the configured
// origins. An empty origin list disables CORS entirely.
func CORSMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Error("api: session operation", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
