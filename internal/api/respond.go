package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	apperrors "notification-dispatch/internal/common/errors"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Meta    map[string]interface{} `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	std, ok := apperrors.AsStandard(err)
	if !ok {
		std = apperrors.NewInternalError(err)
	}
	status := apperrors.HTTPStatus(std.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   string(std.Code),
			"error":  std.Error(),
		})
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    std.Code,
		Message: std.Message,
		Details: std.Details,
		Meta:    std.Metadata,
	}})
}

// decode validates the body against the named schema and unmarshals it
// into v.
func (s *Server) decode(r *http.Request, schema string, v interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.NewValidationError("unreadable request body: " + err.Error())
	}
	if len(raw) == 0 {
		return apperrors.NewValidationError("request body is required")
	}

	res, err := s.schemas.Validate(schema, raw)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if !res.Valid {
		return apperrors.NewValidationError(strings.Join(res.GetErrorMessages(), "; "))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewValidationError("malformed request body: " + err.Error())
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.NewValidationError(fmt.Sprintf("invalid limit %q", raw))
	}
	return n, nil
}
