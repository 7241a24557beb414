package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/atrium/internal/apperr"
)

// errorBody is the wire shape of every user-visible error.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      apperr.Code       `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// writeError renders err as a classified error response. Causes are
// logged with the request id and never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	reqID := middleware.GetReqID(r.Context())
	log := s.requestLogger(r)

	if e.Status >= http.StatusInternalServerError {
		log.Error("request failed", "code", e.Code, "error", err)
	} else {
		log.Debug("request rejected", "code", e.Code, "error", err)
	}

	if e.Code == apperr.CodeRateLimit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	writeJSON(w, errorBody{Error: errorDetail{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: reqID,
		Fields:    e.Fields,
	}}, s.logger)
}

func (s *Server) rejectUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, apperr.Unauthorized(err))
}

// retryAfterSeconds renders d as whole seconds, rounded up, never below 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
