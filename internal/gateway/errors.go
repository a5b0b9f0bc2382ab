package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/basket/agenthost/internal/apperr"
)

// Transport-only error codes; everything else uses the apperr kind.
const (
	codeUnauthorized    = "unauthorized"
	codeRateLimited     = "rate_limited"
	codePayloadTooLarge = "payload_too_large"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeError maps a classified error onto its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, err.Error())
		return
	}
	if apperr.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeErrorCode(w, apperr.HTTPStatus(err), string(apperr.KindOf(err)), err.Error())
}

// decodeObject reads a JSON object body. Anything else is a validation error.
func decodeObject(r *http.Request, op string) (map[string]any, error) {
	var body map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		if errors.Is(err, io.EOF) {
			return nil, apperr.New(op, apperr.KindValidation, "request body is required")
		}
		return nil, apperr.Wrap(op, apperr.KindValidation, err)
	}
	if body == nil {
		return nil, apperr.New(op, apperr.KindValidation, "request body must be a JSON object")
	}
	if dec.More() {
		return nil, apperr.New(op, apperr.KindValidation, "unexpected data after JSON object")
	}
	return body, nil
}
