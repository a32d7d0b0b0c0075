package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

const maxFilterBodyBytes = 8 << 20

type inletRequest struct {
	User requestUser `json:"user"`
}

type outletRequest struct {
	User requestUser `json:"user"`
	Body usage.Body  `json:"body"`
}

// handleInlet is called by the filter before a chat round: it ensures the
// balance row exists, refreshes name/email and reports the balance the
// filter gates on.
func (s *Server) handleInlet(w http.ResponseWriter, r *http.Request) {
	var req inletRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User.ID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	balance, err := s.ledger.GetOrCreateBalance(req.User.ID, req.User.Name, req.User.Email)
	if err != nil {
		s.log.Error("inlet failed", "user", req.User.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"balance": balance.Balance.InexactFloat64(),
	})
}

// handleOutlet is called by the filter after a chat round: it resolves the
// round's usage (trusting the last message, estimating otherwise), records
// it and reports the cost and remaining balance.
func (s *Server) handleOutlet(w http.ResponseWriter, r *http.Request) {
	var req outletRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User.ID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	if req.Body.ChatID == "" || req.Body.Model == "" || len(req.Body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "chat_id, model and messages are required")
		return
	}

	resolved, err := s.resolver.Resolve(&req.Body)
	if err != nil {
		s.log.Error("usage resolution failed", "user", req.User.ID, "model", req.Body.Model, "err", err)
		if errors.Is(err, usage.ErrEstimation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry, err := s.ledger.Record(req.User.ID, req.Body.ChatID, req.Body.Model, &resolved)
	if err != nil {
		s.log.Error("usage record failed", "user", req.User.ID, "model", req.Body.Model, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}
	balance, err := s.ledger.GetOrCreateBalance(req.User.ID, req.User.Name, req.User.Email)
	if err != nil {
		s.log.Error("balance lookup failed", "user", req.User.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"prompt_tokens":     entry.PromptTokens,
		"completion_tokens": entry.CompletionTokens,
		"cost":              entry.Cost().InexactFloat64(),
		"balance":           balance.Balance.InexactFloat64(),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxFilterBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(b) == 0 {
		return errors.New("request body required")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.New("invalid json")
	}
	return nil
}
