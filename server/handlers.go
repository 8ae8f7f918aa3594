package server

import (
	"net/http"

	"github.com/ineyio/tokenquota"
)

type invokeResponse struct {
	Response        string                   `json:"response"`
	Model           string                   `json:"model"`
	RequestID       string                   `json:"requestId"`
	TokensConsumed  int64                    `json:"tokensConsumed"`
	InputTokens     int64                    `json:"inputTokens"`
	OutputTokens    int64                    `json:"outputTokens"`
	RemainingTokens int64                    `json:"remainingTokens"`
	Cost            tokenquota.CostBreakdown `json:"cost"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := body.String("userId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := body.Int("tokenLimit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	acc, err := s.svc.CreateAccount(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": acc})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []tokenquota.AccountView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetAccount(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := body.Int("newLimit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	acc, err := s.svc.UpdateLimit(r.Context(), r.PathValue("userId"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": acc})
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tokens, err := body.Int("tokensConsumed")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rep, err := s.svc.RecordUsage(r.Context(), r.PathValue("userId"), tokens)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"userId":          rep.UserID,
		"tokenUsage":      rep.TokenUsage,
		"remainingTokens": rep.RemainingTokens,
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prompt, err := body.String("prompt")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.svc.Invoke(r.Context(), r.PathValue("userId"), prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{
		Response:        res.Response,
		Model:           res.Model,
		RequestID:       res.RequestID,
		TokensConsumed:  res.TokensConsumed,
		InputTokens:     res.InputTokens,
		OutputTokens:    res.OutputTokens,
		RemainingTokens: res.RemainingTokens,
		Cost:            res.Cost.Rounded(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if err := s.svc.DeleteAccount(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "User deleted successfully",
		"userId":  userID,
	})
}
