package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/abiroot/ispbot/internal/chat"
	"github.com/abiroot/ispbot/internal/log"
)

// ErrorResponse is the JSON error envelope. Code carries the stable
// machine-readable code from the chat error taxonomy where one applies.
type ErrorResponse struct {
	Error         string   `json:"error"`
	Code          string   `json:"code,omitempty"`
	MissingFields []string `json:"missingFields,omitempty"`
}

// writeJSON writes a JSON response. Encoding failures after WriteHeader can
// only be logged.
func writeJSON(logger log.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("encoding JSON response", "error", err)
	}
}

// writeError writes a plain error envelope.
func writeError(logger log.Logger, w http.ResponseWriter, status int, message, code string) {
	writeJSON(logger, w, status, ErrorResponse{Error: message, Code: code})
}

// writeChatError maps a classified engine error onto an HTTP status and a
// user-safe message. Internal detail stays in the log, not the response.
func writeChatError(logger log.Logger, w http.ResponseWriter, err error) {
	kind := chat.KindOf(err)
	status := http.StatusInternalServerError
	message := "Something went wrong on our side. Please try again."

	switch kind {
	case chat.KindInvalidArgument:
		status = http.StatusBadRequest
		message = "The request was invalid."
	case chat.KindUpstreamCall, chat.KindRetryExhausted, chat.KindNoContent:
		status = http.StatusServiceUnavailable
		message = "The assistant is temporarily unavailable. Please try again in a moment."
	}

	logger.Error("chat turn failed", "code", kind.Code(), "error", err)
	writeError(logger, w, status, message, kind.Code())
}

// decodeBody decodes a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Trailing garbage after the JSON value is a malformed request too.
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
