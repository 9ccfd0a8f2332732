package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-negotiation/internal/negotiation"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func statusFor(err error) int {
	switch negotiation.KindOf(err) {
	case negotiation.KindValidation:
		return http.StatusBadRequest
	case negotiation.KindAuth:
		return http.StatusForbidden
	case negotiation.KindConflict:
		return http.StatusConflict
	case negotiation.KindNotFound:
		return http.StatusNotFound
	case negotiation.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: http.StatusText(status), Reason: negotiation.ReasonOf(err)}
	var ne *negotiation.Error
	if errors.As(err, &ne) && ne.Err != nil && status != http.StatusServiceUnavailable {
		body.Error = ne.Err.Error()
	}
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "err", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, reason, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Reason: reason})
}
