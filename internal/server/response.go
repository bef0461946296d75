// JSON response and structured error writers.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/devteamhq/runner/internal/server/dto"
)

// errorResponse is the JSON envelope for error responses.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    dto.Code       `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError writes a structured JSON error response. *dto.APIError supplies
// the HTTP status, code and details; anything else becomes a 500.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := dto.CodeInternalError
	var details map[string]any

	var ae *dto.APIError
	if errors.As(err, &ae) {
		statusCode = ae.StatusCode()
		code = ae.ErrCode()
		details = ae.Details()
	}

	if statusCode >= http.StatusInternalServerError {
		slog.Error("handler error", "err", err, "statusCode", statusCode, "code", code)
	} else {
		slog.Debug("handler error", "err", err, "statusCode", statusCode, "code", code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := errorResponse{
		Error: errorBody{Code: code, Message: err.Error(), Details: details},
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Warn("failed to encode error response", "err", encErr)
	}
}

// writeJSON writes a JSON success response with the given status, or a
// structured error response.
func writeJSON[Out any](w http.ResponseWriter, status int, output *Out, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(output); encErr != nil {
		slog.Warn("failed to encode JSON response", "err", encErr)
	}
}
