// Package api is the REST and WebSocket ingress of the control plane. Every
// request runs the same pipeline: parse, validate, authenticate, authorize,
// handle, audit, shape.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20 // 1 MiB

var validate = validator.New(validator.WithRequiredStructEnabled())

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

func codeForKind(kind httperr.Kind) string {
	switch kind {
	case httperr.KindValidation:
		return "validation_error"
	case httperr.KindUnauthenticated:
		return "unauthenticated"
	case httperr.KindForbidden:
		return "forbidden"
	case httperr.KindNotFound:
		return "not_found"
	case httperr.KindConflict:
		return "conflict"
	case httperr.KindRateLimited:
		return "rate_limited"
	case httperr.KindExternal, httperr.KindExternalTimeout:
		return "external_failure"
	default:
		return "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Warn().Err(err).Msg("Failed to encode response body")
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := httperr.AsError(err)
	if e.Status() >= 500 {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).
			Msg("Request failed")
	}
	if e.Kind == httperr.KindRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds()+0.5)))
	}
	msg := e.Message
	if e.Status() >= 500 {
		// Internal details stay in the log.
		msg = "internal error"
	}
	writeJSON(w, e.Status(), errorBody{Error: msg, Code: codeForKind(e.Kind), Details: e.Details})
}

// decode parses and validates a JSON request body. Unknown fields are
// rejected; validator tags produce per-field details.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return httperr.Validation("malformed request body", map[string]string{"body": err.Error()})
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fmt.Sprintf("failed %s validation", fe.Tag())
			}
			return httperr.Validation("request validation failed", details)
		}
		return httperr.Validation("request validation failed", nil)
	}
	return nil
}

// pageFrom reads ?limit= and ?cursor= keyset pagination parameters.
func pageFrom(r *http.Request) store.Page {
	p := store.Page{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			p.Limit = n
		}
	}
	return p
}

// clientIP prefers the edge-injected forwarded address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
