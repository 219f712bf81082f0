package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Common errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

// exposeErrorIDs controls whether 5xx envelopes carry the opaque error id.
var exposeErrorIDs atomic.Bool

// SetDebugErrors toggles the debug error id on internal error responses.
func SetDebugErrors(enabled bool) {
	exposeErrorIDs.Store(enabled)
}

// Envelope is the uniform body of every API response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	ErrorID string `json:"error_id,omitempty"`
}

// HTTPError represents an error that is surfaced to the user via HTTP.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// HTTPErrorFromStatus creates an HTTPError from an HTTP status code.
func HTTPErrorFromStatus(code int, err error) HTTPError {
	msg := http.StatusText(code)
	if msg == "" {
		msg = "Unknown error"
	}
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// WriteJSON writes a successful envelope carrying data.
func WriteJSON(w http.ResponseWriter, code int, data any) {
	writeEnvelope(w, code, Envelope{Success: true, Data: data})
}

// WriteMessage writes a successful envelope carrying a message and optional data.
func WriteMessage(w http.ResponseWriter, code int, msg string, data any) {
	writeEnvelope(w, code, Envelope{Success: true, Data: data, Message: msg})
}

// WriteHTTPError writes err as a failure envelope. Errors that are not HTTPError are
// reported as a generic internal error; their detail only reaches the log.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var herr HTTPError
	if !errors.As(err, &herr) {
		herr = HTTPError{Code: http.StatusInternalServerError, Msg: "internal server error", Err: err}
	}
	if herr.Code == 0 {
		herr.Code = http.StatusInternalServerError
	}

	env := Envelope{Success: false, Message: herr.Msg}

	if herr.Code >= http.StatusInternalServerError {
		errID := uuid.NewString()
		log.Error().Err(herr.Err).Int("code", herr.Code).Str("error_id", errID).Msgf("user msg: %s", herr.Msg)
		if exposeErrorIDs.Load() {
			env.ErrorID = errID
		}
	} else {
		log.Debug().Err(herr.Err).Int("code", herr.Code).Msgf("user msg: %s", herr.Msg)
	}

	writeEnvelope(w, herr.Code, env)
}

func writeEnvelope(w http.ResponseWriter, code int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response envelope")
	}
}
