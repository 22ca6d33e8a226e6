package admin

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/entrhq/monkey/pkg/types"
)

// statusFor maps an error kind to the HTTP status the API answers with.
func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindServerUnavailable, types.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindCancelled:
		return 499
	}
	return http.StatusInternalServerError
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnf("failed to write response: %v", err)
	}
}

// writeError answers with the {kind, message} form of err.
func (a *API) writeError(w http.ResponseWriter, err error) {
	typed := types.AsError(err)
	a.writeJSON(w, statusFor(typed.Kind), typed)
}

func (a *API) notFound(w http.ResponseWriter, r *http.Request) {
	a.writeError(w, types.Errorf(types.KindNotFound, "no route for %s %s", r.Method, r.URL.Path))
}

func (a *API) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusMethodNotAllowed,
		types.Errorf(types.KindValidation, "method %s not allowed on %s", r.Method, r.URL.Path))
}

// decode reads a JSON body into v, rejecting unknown fields and oversized
// bodies as validation errors.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.Errorf(types.KindValidation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return types.Wrap(types.KindValidation, err, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// recoverPanics turns a handler panic into an ExecutionError response.
func (a *API) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				a.logger.Errorf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, p, debug.Stack())
				a.writeError(w, types.Errorf(types.KindExecution, "internal error: %v", p))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event stream upgrade through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debugf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}
