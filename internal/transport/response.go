// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the orchestration API.
package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/agi-run/missionctl/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrInternalError:   http.StatusInternalServerError,
	model.ErrNodeExecution:   http.StatusBadGateway,
	model.ErrPolicyViolation: http.StatusUnprocessableEntity,
	model.ErrApprovalExpired: http.StatusConflict,
	model.ErrAlreadyResolved: http.StatusConflict,
	model.ErrBudgetExceeded:  http.StatusPaymentRequired,
	model.ErrCaseNotActive:   http.StatusConflict,
	model.ErrCancelled:       http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// decodeJSON decodes a JSON request body into v. An empty body leaves v
// untouched; malformed JSON is a BAD_REQUEST.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
