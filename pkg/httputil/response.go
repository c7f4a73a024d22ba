package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   errcode.Code `json:"error"`
	Message string       `json:"message"`
}

// WriteAPIError renders err as {error, message} with the status for its code.
// Uncoded errors are logged and reported as INTERNAL_ERROR without their text.
func WriteAPIError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	code := errcode.CodeOf(err)
	status := errcode.HTTPStatus(code)

	if status >= http.StatusInternalServerError && logger != nil {
		logger.WithError(err).WithField("code", code).Error("request failed")
	}

	WriteJSON(w, status, ErrorResponse{ //nolint:errcheck
		Error:   code,
		Message: errcode.MessageOf(err),
	})
}

// WriteRetryAfter sets Retry-After in whole seconds, rounding up
func WriteRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteAccepted writes a 202 for work that continues in the background
func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, data)
}
