package api

import (
	"errors"
	"net/http"

	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/wizard"
)

// WizardHandler exposes explicit wizard control, for clients that render the
// flow with buttons instead of free text.
type WizardHandler struct {
	wizard *wizard.Wizard
	logger log.Logger
}

// NewWizardHandler creates a wizard handler; wiz may be nil, in which case
// no routes are registered.
func NewWizardHandler(wiz *wizard.Wizard, logger log.Logger) *WizardHandler {
	return &WizardHandler{wizard: wiz, logger: logger}
}

// RegisterRoutes registers wizard routes on the given mux.
func (h *WizardHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.wizard == nil {
		h.logger.Warn("wizard not configured, wizard endpoints not registered")
		return
	}
	mux.HandleFunc("POST /api/wizard/begin", h.begin)
	mux.HandleFunc("POST /api/wizard/field", h.field)
	mux.HandleFunc("POST /api/wizard/confirm", h.confirm)
	mux.HandleFunc("POST /api/wizard/cancel", h.cancel)
}

// WizardRequest is the shared request body for wizard endpoints.
type WizardRequest struct {
	ContextID string `json:"contextId"`
	Input     string `json:"input,omitempty"`  // field value, for /field
	Accept    bool   `json:"accept,omitempty"` // confirmation answer, for /confirm
}

// WizardResponse reports the flow state after an operation.
type WizardResponse struct {
	State    string   `json:"state"`
	Messages []string `json:"messages"`
}

func (h *WizardHandler) begin(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, false)
	if !ok {
		return
	}

	out, err := h.wizard.Begin(req.ContextID)
	if err != nil {
		if errors.Is(err, wizard.ErrAlreadyActive) {
			writeError(h.logger, w, http.StatusConflict, "a guided flow is already in progress", "")
			return
		}
		h.internalError(w, "begin", req.ContextID, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, WizardResponse{State: out.State, Messages: out.Messages})
}

func (h *WizardHandler) field(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, true)
	if !ok {
		return
	}

	out, err := h.wizard.Submit(req.ContextID, req.Input)
	if err != nil {
		h.writeWizardError(w, "field", req.ContextID, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, WizardResponse{State: out.State, Messages: out.Messages})
}

func (h *WizardHandler) confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, false)
	if !ok {
		return
	}

	out, err := h.wizard.Confirm(r.Context(), req.ContextID, req.Accept)
	if err != nil {
		h.writeWizardError(w, "confirm", req.ContextID, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, WizardResponse{State: out.State, Messages: out.Messages})
}

func (h *WizardHandler) cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, false)
	if !ok {
		return
	}

	out, err := h.wizard.Cancel(req.ContextID)
	if err != nil {
		h.writeWizardError(w, "cancel", req.ContextID, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, WizardResponse{State: out.State, Messages: out.Messages})
}

// decode parses and validates the shared request shape.
func (h *WizardHandler) decode(w http.ResponseWriter, r *http.Request, needInput bool) (WizardRequest, bool) {
	var req WizardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", "")
		return req, false
	}
	if req.ContextID == "" {
		writeError(h.logger, w, http.StatusBadRequest, "contextId is required", "")
		return req, false
	}
	if needInput && req.Input == "" {
		writeError(h.logger, w, http.StatusBadRequest, "input is required", "")
		return req, false
	}
	return req, true
}

// writeWizardError maps wizard sentinels to HTTP statuses. An incomplete
// confirmation reports the missing fields verbatim.
func (h *WizardHandler) writeWizardError(w http.ResponseWriter, op, contextID string, err error) {
	var incomplete *wizard.IncompleteError
	switch {
	case errors.Is(err, wizard.ErrNotActive):
		writeError(h.logger, w, http.StatusNotFound, "no guided flow in progress", "")
	case errors.Is(err, wizard.ErrAwaitingConfirmation):
		writeError(h.logger, w, http.StatusConflict,
			"this request is awaiting confirmation; reply yes to submit or no to cancel", "")
	case errors.As(err, &incomplete):
		writeJSON(h.logger, w, http.StatusConflict, ErrorResponse{
			Error:         "required fields are missing",
			MissingFields: incomplete.Missing,
		})
	default:
		h.internalError(w, op, contextID, err)
	}
}

func (h *WizardHandler) internalError(w http.ResponseWriter, op, contextID string, err error) {
	h.logger.Error("wizard operation failed", "op", op, "context_id", contextID, "error", err)
	writeError(h.logger, w, http.StatusInternalServerError,
		"Something went wrong submitting your request. Please try again.", "")
}
