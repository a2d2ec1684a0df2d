package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/breeze/internal/auth"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/logging"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/rs/zerolog/log"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// recoverer converts handler panics into 500s with a logged stack.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError,
					errorBody{Error: "internal error", Code: "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID tags each request with an ID for log correlation, honoring one
// supplied by the edge.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// forceHTTPS redirects plain-HTTP requests that arrived through the edge.
func forceHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "http" {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request latency and in-flight gauge per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPRequestsInFlight.Inc()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		metrics.HTTPRequestsInFlight.Dec()
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, route, strconv.Itoa(sw.status)).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the Authorization header to an AuthContext and
// attaches it. API keys (brz_ prefix) and JWT bearers share the header.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, httperr.Unauthenticated("missing bearer token"))
			return
		}

		var ac *auth.AuthContext
		var err error
		if strings.HasPrefix(token, "brz_") {
			ac, err = s.auth.AuthenticateAPIKey(r.Context(), token)
		} else {
			ac, err = s.auth.Authenticate(r.Context(), token)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), ac)))
	}
}

// requirePermission layers a resource:action check on an authenticated
// handler.
func (s *Server) requirePermission(resource, action string, next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		ac, _ := auth.FromContext(r.Context())
		if ac == nil || !ac.Can(resource, action) {
			writeError(w, r, httperr.Forbidden("missing permission "+resource+":"+action))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSystem restricts a handler to system-scope actors.
func (s *Server) requireSystem(next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		ac, _ := auth.FromContext(r.Context())
		if ac == nil || !ac.OrgScope().Unrestricted() {
			writeError(w, r, httperr.Forbidden("system scope required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mustAuth pulls the AuthContext placed by authenticate. Handlers behind the
// middleware can assume it exists.
func mustAuth(r *http.Request) *auth.AuthContext {
	ac, _ := auth.FromContext(r.Context())
	return ac
}
