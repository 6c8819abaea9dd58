package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
	"dispatchd/internal/repo"
)

// registerWebhook mounts the provider callback outside huma: the handler
// needs the raw body bytes for signature verification.
func registerWebhook(router chi.Router, basePath string, cfg *config.Config, e *engine.Engine) {
	router.Post(path.Join(basePath, "webhook", "agent"), func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		signature := r.Header.Get("X-Webhook-Signature")
		if !dispatch.VerifySignature(cfg.CallbackSecret(), body, signature) {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed", nil))
			return
		}
		var cb dispatch.StatusCallback
		if err := json.Unmarshal(body, &cb); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid callback payload", nil))
			return
		}
		if cb.Event != "statusChange" {
			writeJSON(w, http.StatusOK, map[string]any{"ignored": true, "reason": "unsupported event"})
			return
		}
		if cb.ID == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "callback missing agent id", nil))
			return
		}
		order, err := e.Repo.GetWorkOrderByCorrelation(r.Context(), cb.ID)
		if errors.Is(err, repo.ErrNotFound) {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "no work order for this agent run", nil))
			return
		}
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		switch cb.Status {
		case "CREATING", "RUNNING", "PENDING":
			writeJSON(w, http.StatusOK, map[string]any{"ignored": true, "reason": "not a terminal status"})
			return
		}
		terminal := cb.TerminalStatus()
		fields := repo.TerminalFields{}
		if cb.Target.PRURL != "" {
			fields.PRURL = &cb.Target.PRURL
		}
		if cb.Target.BranchName != "" {
			fields.BranchName = &cb.Target.BranchName
		}
		if cb.Summary != "" {
			fields.Summary = &cb.Summary
		}
		// Failed runs often report what went wrong only in the summary.
		errMsg := cb.Error
		if errMsg == "" && terminal == domain.StatusFailed {
			errMsg = cb.Summary
		}
		if errMsg != "" {
			fields.ErrorMessage = &errMsg
		}
		applied, err := e.ResolveTerminal(r.Context(), order.ID, terminal, fields)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if !applied {
			log.Printf("webhook: duplicate callback for work order %s ignored", order.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "work_order_id": order.ID})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
