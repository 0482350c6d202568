package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/abiroot/ispbot/internal/chat"
	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/wizard"
)

// MaxMessageLength bounds one user turn. Longer inputs are almost always
// paste accidents, and they blow the context budget.
const MaxMessageLength = 8000

// Chatter runs one conversation turn. *chat.Engine satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// ChatHandler serves the conversation endpoint. While a wizard flow is
// active for the context, turns route to the wizard and never reach the
// generation engine.
type ChatHandler struct {
	engine Chatter
	wizard *wizard.Wizard
	logger log.Logger
}

// NewChatHandler creates a chat handler. wizard may be nil when no guided
// flows are wired.
func NewChatHandler(engine Chatter, wiz *wizard.Wizard, logger log.Logger) *ChatHandler {
	return &ChatHandler{engine: engine, wizard: wiz, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleChat)
}

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	ContextID string `json:"contextId"`
	OwnerID   string `json:"ownerId"`
	Message   string `json:"message"`
}

// ChatResponse is the response body for POST /api/chat.
type ChatResponse struct {
	Messages       []string `json:"messages"`
	WizardState    string   `json:"wizardState,omitempty"`
	TokensUsed     int      `json:"tokensUsed,omitempty"`
	ResponseTimeMS int64    `json:"responseTimeMs,omitempty"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	switch {
	case req.ContextID == "":
		writeError(h.logger, w, http.StatusBadRequest, "contextId is required", "")
		return
	case req.OwnerID == "":
		writeError(h.logger, w, http.StatusBadRequest, "ownerId is required", "")
		return
	case req.Message == "":
		writeError(h.logger, w, http.StatusBadRequest, "message is required", "")
		return
	case len(req.Message) > MaxMessageLength:
		writeError(h.logger, w, http.StatusBadRequest, "message too long", "")
		return
	}

	if h.wizard != nil && h.wizard.Active(req.ContextID) {
		h.handleWizardTurn(w, r, req)
		return
	}

	if h.engine == nil {
		writeError(h.logger, w, http.StatusServiceUnavailable, "chat engine not configured", "")
		return
	}

	resp, err := h.engine.Chat(r.Context(), chat.Request{
		ContextID: req.ContextID,
		OwnerID:   req.OwnerID,
		Input:     req.Message,
	})
	if err != nil {
		writeChatError(h.logger, w, err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, ChatResponse{
		Messages:       resp.Messages,
		TokensUsed:     resp.TokensUsed,
		ResponseTimeMS: resp.ResponseTime.Milliseconds(),
	})
}

// handleWizardTurn forwards one turn to the active wizard flow.
func (h *ChatHandler) handleWizardTurn(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	out, err := h.wizard.HandleInput(r.Context(), req.ContextID, req.Message)
	if err != nil {
		if errors.Is(err, wizard.ErrNotActive) {
			// The flow expired between the Active check and the turn.
			writeError(h.logger, w, http.StatusConflict, "the guided flow is no longer active", "")
			return
		}
		h.logger.Error("wizard turn failed", "context_id", req.ContextID, "error", err)
		writeError(h.logger, w, http.StatusInternalServerError,
			"Something went wrong submitting your request. Please try again.", "")
		return
	}

	writeJSON(h.logger, w, http.StatusOK, ChatResponse{
		Messages:    out.Messages,
		WizardState: out.State,
	})
}
