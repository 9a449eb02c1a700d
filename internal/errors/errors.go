// Package errors renders API errors as a JSON envelope.
//
// Every non-2xx response from the ops server has the shape
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "request_id": "...", "details": {...}}}
package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Standard error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorEnvelope is the body of an error response.
type ErrorEnvelope struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	RequestID     string         `json:"request_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: message}
}

// WithRequestID returns a copy carrying id.
func (e *ErrorEnvelope) WithRequestID(id string) *ErrorEnvelope {
	c := *e
	c.RequestID = id
	return &c
}

// WithCorrelationID returns a copy carrying id.
func (e *ErrorEnvelope) WithCorrelationID(id string) *ErrorEnvelope {
	c := *e
	c.CorrelationID = id
	return &c
}

// WithContext returns a copy whose details include ctx. Values must be
// JSON-encodable.
func (e *ErrorEnvelope) WithContext(ctx map[string]any) (*ErrorEnvelope, error) {
	if _, err := json.Marshal(ctx); err != nil {
		return e, err
	}
	c := *e
	c.Details = make(map[string]any, len(e.Details)+len(ctx))
	for k, v := range e.Details {
		c.Details[k] = v
	}
	for k, v := range ctx {
		c.Details[k] = v
	}
	return &c, nil
}

// HTTPErrorResponse is the response document.
type HTTPErrorResponse struct {
	Error ErrorEnvelope `json:"error"`
}

// HTTPError is an error with a status code and envelope.
type HTTPError struct {
	Status   int
	Envelope *ErrorEnvelope
	Err      error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Envelope.Message + ": " + e.Err.Error()
	}
	return e.Envelope.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

func NotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Envelope: NewErrorEnvelope(CodeNotFound, message)}
}

func BadRequest(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Envelope: NewErrorEnvelope(CodeBadRequest, message)}
}

func MethodNotAllowed(message string) *HTTPError {
	return &HTTPError{Status: http.StatusMethodNotAllowed, Envelope: NewErrorEnvelope(CodeMethodNotAllowed, message)}
}

// ServiceUnavailable carries details such as failing health checks.
func ServiceUnavailable(message string, details map[string]any) *HTTPError {
	env := NewErrorEnvelope(CodeServiceUnavailable, message)
	env.Details = details
	return &HTTPError{Status: http.StatusServiceUnavailable, Envelope: env}
}

func Internal(err error) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Envelope: NewErrorEnvelope(CodeInternal, "internal server error"), Err: err}
}

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RespondWithError writes err as an envelope. Errors that are not an
// *HTTPError become INTERNAL_ERROR without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !errors.As(err, &he) {
		he = Internal(err)
	}
	env := he.Envelope
	if r != nil {
		if id := r.Header.Get(RequestIDHeader); id != "" {
			env = env.WithRequestID(id)
		}
	}
	WriteEnvelope(w, env, he.Status)
}

// WriteEnvelope writes env with status.
func WriteEnvelope(w http.ResponseWriter, env *ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *env})
}
