package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"points-service/internal/dispatch"
	"points-service/internal/ledger"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Hint     string `json:"hint,omitempty"`
	Current  *int64 `json:"current,omitempty"`
	Required *int64 `json:"required,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to status codes and logs server-side failures.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describeError(err)

	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	writeJSON(w, status, body)
}

func describeError(err error) (int, ErrorResponse) {
	var (
		validation   *ledger.ValidationError
		insufficient *ledger.InsufficientBalanceError
		upstream     *dispatch.UpstreamError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: validation.Field + " " + validation.Message,
			Field:   validation.Field,
		}

	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, ErrorResponse{
			Error:    "insufficient_balance",
			Message:  "not enough points for this operation",
			Current:  &insufficient.Current,
			Required: &insufficient.Required,
		}

	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "user not found"}

	case errors.As(err, &upstream):
		resp := ErrorResponse{Error: "upstream_" + string(upstream.Kind), Message: upstream.Error(), Hint: upstream.Hint}
		switch upstream.Kind {
		case dispatch.KindTimeout:
			return http.StatusGatewayTimeout, resp
		case dispatch.KindNoWebhook, dispatch.KindInvalidURL:
			return http.StatusUnprocessableEntity, resp
		default:
			return http.StatusBadGateway, resp
		}

	case errors.Is(err, ledger.ErrStore):
		resp := ErrorResponse{Error: "store_error", Message: "the ledger could not be updated, nothing was charged"}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			resp.Hint = "the database is unreachable from this service; when running in docker set DB_HOST to the " +
				"database service name instead of localhost"
		}
		return http.StatusInternalServerError, resp
	}

	return http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "internal server error"}
}
