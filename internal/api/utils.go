package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/geniusrise/geniusrise-text/pkg/api"
	"github.com/gorilla/schema"
)

// maxRequestBytes bounds run config bodies.
const maxRequestBytes = 1 << 20

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(code int, err error) error {
	return &codedError{err: err, code: code}
}

func CodedErrorf(code int, format string, args ...any) error {
	return &codedError{err: fmt.Errorf(format, args...), code: code}
}

// ParseRequest decodes a JSON body into T. Unknown fields are rejected so
// that misspelled run options do not silently fall back to defaults.
func ParseRequest[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var data T

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		slog.Info("rejected request body", "path", r.URL.Path, "error", err)

		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return data, CodedErrorf(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request body: %v", err)
	}
	return data, nil
}

var queryDecoder = schema.NewDecoder()

func ParseRequestQueryParams[T any](r *http.Request) (T, error) {
	var data T
	if err := r.ParseForm(); err != nil {
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params: %v", err)
	}

	if err := queryDecoder.Decode(&data, r.Form); err != nil {
		slog.Info("rejected query params", "path", r.URL.Path, "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params: %v", err)
	}

	return data, nil
}

// RestHandler adapts an endpoint returning a response value to a handler
// writing it as JSON. Errors are written as api.ErrorResponse with the code
// of a codedError, or 500.
func RestHandler(handler func(w http.ResponseWriter, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(w, r)
		if err != nil {
			code := http.StatusInternalServerError
			var cerr *codedError
			if errors.As(err, &cerr) {
				code = cerr.code
			}
			if code == http.StatusInternalServerError {
				slog.Error("internal server error in endpoint", "method", r.Method, "path", r.URL.Path, "error", err)
			}
			writeJson(w, code, api.ErrorResponse{Error: err.Error()})
			return
		}

		if res == nil {
			res = struct{}{}
		}
		writeJson(w, http.StatusOK, res)
	}
}

func writeJson(w http.ResponseWriter, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("error serializing response body", "error", err)
		http.Error(w, fmt.Sprintf("error serializing response body: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Warn("error writing response body", "error", err)
	}
}

var validName = regexp.MustCompile(`^[\w-]{1,64}$`)

func validateName(name string) error {
	if !validName.MatchString(name) {
		return CodedErrorf(http.StatusBadRequest, "invalid run id '%s': only alphanumeric characters, underscores, and hyphens are allowed", name)
	}
	return nil
}
