// CLAUDE:SUMMARY chi HTTP API: health, progress, failures, runs, credentials, merge and clean.
package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/sigfetch/ingest/internal/runlog"
	"github.com/hazyhaar/sigfetch/kit"
)

// Handler returns the status and control API. POST /api/runs starts Job.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": e.Running()})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/progress", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, e.Progress())
		})

		r.Get("/failures", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, e.Failures())
		})
		r.Delete("/failures", func(w http.ResponseWriter, _ *http.Request) {
			n, err := e.ClearFailures()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
		})
		r.Delete("/failures/{entity}", func(w http.ResponseWriter, r *http.Request) {
			entity := chi.URLParam(r, "entity")
			ok, err := e.ClearFailure(entity)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "entity not in ledger"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "entity_id": entity})
		})

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			runs, err := e.Runs(r.Context(), queryInt(r, "limit", 20))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if runs == nil {
				runs = []runlog.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		})
		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			run, err := e.Run(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, runlog.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, run)
		})
		r.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			id, err := e.Start(kit.WithTransport(r.Context(), "http"), e.Job())
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
		})
		r.Post("/runs/cancel", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": e.Cancel()})
		})

		r.Get("/credentials", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, e.Credentials())
		})
		r.Post("/credentials/reset", func(w http.ResponseWriter, _ *http.Request) {
			e.ResetCredentials()
			writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		})

		r.Post("/merge", func(w http.ResponseWriter, r *http.Request) {
			rep, err := e.Merge(r.URL.Query().Get("dedup"))
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})
		r.Post("/clean", func(w http.ResponseWriter, r *http.Request) {
			if err := e.Clean(r.URL.Query().Get("confirm") == "yes"); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
		})
	})
	return r
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrRunning):
		return http.StatusConflict
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotConfirmed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
