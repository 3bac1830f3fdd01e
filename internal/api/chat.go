package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/cartwright/internal/agent"
	"github.com/nugget/cartwright/internal/basket"
	"github.com/nugget/cartwright/internal/checkout"
	"github.com/nugget/cartwright/internal/prompts"
	"github.com/nugget/cartwright/internal/session"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	// Format "html" adds the answer rendered from markdown.
	Format string `json:"format,omitempty"`
}

// ChatResponse wraps an agent reply.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	*agent.Reply
	HTML string `json:"html,omitempty"`
}

// BasketResponse is the body of GET /v1/sessions/{id}/basket.
type BasketResponse struct {
	ConversationID string        `json:"conversation_id"`
	Lines          []basket.Line `json:"lines"`
	Total          float64       `json:"total"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = "default"
	}

	reply, err := s.svc.Handle(r.Context(), convID, req.Text)
	switch {
	case errors.Is(err, session.ErrBusy):
		s.errorResponse(w, http.StatusConflict, prompts.Busy)
		return
	case err != nil && isClientGone(err):
		s.logger.Debug("client left before turn started", "conversation_id", convID)
		return
	case err != nil:
		s.logger.Error("chat turn failed", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed")
		return
	}

	resp := ChatResponse{ConversationID: convID, Reply: reply}
	if req.Format == "html" {
		html, err := renderMarkdown(reply.Text)
		if err != nil {
			s.logger.Warn("markdown render failed", "error", err)
		}
		resp.HTML = html
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.svc.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := s.svc.History(id)
	if errors.Is(err, session.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        history,
	}, s.logger)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Reset(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrBusy) {
			s.errorResponse(w, http.StatusConflict, prompts.Busy)
			return
		}
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": id,
		"status":          "reset",
		"message":         prompts.ResetDone,
	}, s.logger)
}

func (s *Server) handleBasket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lines, err := s.svc.Basket(id)
	if errors.Is(err, session.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if lines == nil {
		lines = []basket.Line{}
	}
	writeJSON(w, http.StatusOK, BasketResponse{
		ConversationID: id,
		Lines:          lines,
		Total:          basket.Total(lines),
	}, s.logger)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	art, ok := s.checkout(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, art, s.logger)
}

func (s *Server) handleCheckoutQR(w http.ResponseWriter, r *http.Request) {
	art, ok := s.checkout(w, r)
	if !ok {
		return
	}
	size := parseIntParam(r, "size", 256)
	if size < 64 || size > 1024 {
		s.errorResponse(w, http.StatusBadRequest, "size must be between 64 and 1024")
		return
	}
	png, err := checkout.QRCode(art, size)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// checkout renders the basket of the {id} session, writing the error
// response itself when there is nothing to render.
func (s *Server) checkout(w http.ResponseWriter, r *http.Request) (checkout.Artifact, bool) {
	art, err := s.svc.Checkout(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, checkout.ErrEmptyBasket):
		s.errorResponse(w, http.StatusNotFound, prompts.EmptyBasket)
		return art, false
	case err != nil:
		s.logger.Error("checkout render failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "checkout render failed")
		return art, false
	}
	return art, true
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
