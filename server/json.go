package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/ineyio/tokenquota"
)

const maxBodyBytes = 1 << 20

// requestBody is a decoded JSON object whose fields are type-checked on
// access, so a string where a number belongs is reported as invalid input
// instead of being coerced.
type requestBody map[string]json.RawMessage

func readBody(r *http.Request) (requestBody, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, tokenquota.InvalidInput("could not read request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, tokenquota.InvalidInput("request body is required")
	}
	var body requestBody
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		return nil, tokenquota.InvalidInput("request body must be a JSON object")
	}
	return body, nil
}

// String returns a string field. A missing or non-string field is rejected.
func (b requestBody) String(name string) (string, error) {
	raw, ok := b[name]
	if !ok {
		return "", tokenquota.InvalidInput("%s is required", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", tokenquota.InvalidInput("%s must be a string", name)
	}
	return s, nil
}

// Int returns an integer field. JSON numbers with an integral value such as
// 100 or 1e3 are accepted; fractions, strings and out-of-range values are not.
func (b requestBody) Int(name string) (int64, error) {
	raw, ok := b[name]
	if !ok {
		return 0, tokenquota.InvalidInput("%s is required", name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, tokenquota.InvalidInput("%s must be an integer", name)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, tokenquota.InvalidInput("%s must be an integer", name)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, tokenquota.InvalidInput("%s must be an integer", name)
	}
	return int64(f), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Kind    tokenquota.Kind `json:"kind"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// writeError maps err to its status code and a caller-facing message.
// Storage failures are logged and their detail withheld.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := tokenquota.KindOf(err)
	userID := r.PathValue("userId")
	resp := errorResponse{Kind: kind}
	var status int

	switch kind {
	case tokenquota.KindInvalidInput:
		status = http.StatusBadRequest
		resp.Error = "Invalid request"
		resp.Message = err.Error()
		var inErr *tokenquota.InputError
		if errors.As(err, &inErr) {
			resp.Message = inErr.Reason
		}
	case tokenquota.KindNotFound:
		status = http.StatusNotFound
		resp.Error = "User not found"
		resp.Message = fmt.Sprintf("User with ID '%s' does not exist", userID)
	case tokenquota.KindAlreadyExists:
		status = http.StatusConflict
		resp.Error = "User already exists"
		resp.Message = "A user with this ID already exists"
	case tokenquota.KindQuotaExceeded:
		status = http.StatusForbidden
		resp.Error = "Token limit exceeded"
		resp.Message = "User has consumed all allocated tokens"
	case tokenquota.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
		resp.Error = "Model unavailable"
		resp.Message = "The model is temporarily unavailable"
		s.logger.Warn("model call failed", "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		status = http.StatusInternalServerError
		resp.Error = "Internal server error"
		resp.Message = "An unexpected error occurred"
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	writeJSON(w, status, resp)
}
