package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/ptcgate/pkg/api"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Transport-level errors (body too large, unsupported content type)
// are handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest, api.ErrorTypeIncompleteToolResults:
		return http.StatusBadRequest
	case api.ErrorTypeSessionNotFound:
		return http.StatusNotFound
	case api.ErrorTypeSessionBusy:
		return http.StatusConflict
	case api.ErrorTypeSessionExpired:
		return http.StatusGone
	case api.ErrorTypeAgentError:
		return http.StatusUnprocessableEntity
	case api.ErrorTypeMaxIterationsExceeded:
		return http.StatusTooManyRequests
	case api.ErrorTypeProvision, api.ErrorTypeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case api.ErrorTypeExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api. It sets the Content-Type header and writes
// the HTTP status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}

// WriteError writes any error. Errors that carry no APIError are reported
// as server errors.
func WriteError(w http.ResponseWriter, err error) {
	WriteAPIError(w, api.AsAPIError(err))
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
