package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dispatchd/internal/domain"
	"dispatchd/internal/ledger"
	"dispatchd/internal/repo"
)

// registerStream mounts the NDJSON live tail outside huma; the response is
// an unbounded stream, not a schema'd body. Each line is one event; the
// stream ends when the work order reaches a terminal status. The cursor
// query parameter resumes from a previously seen event id.
func registerStream(router chi.Router, basePath string, l *ledger.Ledger) {
	router.Get(path.Join(basePath, "work-orders", "{id}", "events", "stream"), func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := l.Repo.GetWorkOrder(r.Context(), id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "work order not found", nil))
				return
			}
			respondStatusError(w, handleError(err))
			return
		}
		var cursor int64
		if raw := r.URL.Query().Get("cursor"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "cursor must be an integer", nil))
				return
			}
			cursor = parsed
		}
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		err := l.Stream(r.Context(), id, cursor, func(ev domain.ExecutionEvent) error {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err != nil && !errors.Is(err, r.Context().Err()) {
			// Headers are gone; nothing to report to the client beyond
			// closing the stream.
			return
		}
	})
}
