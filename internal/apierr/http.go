package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 1 << 20

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a bounded JSON body into v. Failures are bad_request.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return Wrap(CodeBadRequest, err, "read request body")
	}
	if len(body) > MaxBodyBytes {
		return New(CodeBadRequest, "request body exceeds %d bytes", MaxBodyBytes)
	}
	if err := json.Unmarshal(body, v); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return New(CodeBadRequest, "invalid JSON at offset %d", syn.Offset)
		}
		return Wrap(CodeBadRequest, err, fmt.Sprintf("decode %T", v))
	}
	return nil
}
