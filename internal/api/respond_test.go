package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decodeTarget struct {
	Email string `json:"email" validate:"required,email"`
	Limit int    `json:"limit" validate:"omitempty,gt=0"`
}

func postBody(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func TestDecodeAcceptsValidBody(t *testing.T) {
	var dst decodeTarget
	require.NoError(t, decode(postBody(`{"email":"ops@example.com","limit":5}`), &dst))
	assert.Equal(t, "ops@example.com", dst.Email)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	var dst decodeTarget
	err := decode(postBody(`{"email":"ops@example.com","extra":true}`), &dst)
	assert.Equal(t, httperr.KindValidation, httperr.KindOf(err))
}

func TestDecodeReportsPerFieldDetails(t *testing.T) {
	var dst decodeTarget
	err := decode(postBody(`{"email":"not-an-email","limit":-1}`), &dst)

	e := httperr.AsError(err)
	require.Equal(t, httperr.KindValidation, e.Kind)
	assert.Equal(t, "failed email validation", e.Details["Email"])
	assert.Equal(t, "failed gt validation", e.Details["Limit"])
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	var dst decodeTarget
	err := decode(postBody(`{"email":`), &dst)
	assert.Equal(t, httperr.KindValidation, httperr.KindOf(err))
}

func TestWriteErrorShapesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), httperr.NotFound("device"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Code)
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		errors.New("pq: connection refused to 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestWriteErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		httperr.RateLimited("slow down", 90*time.Second))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
}

func TestPageFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&cursor=01J", nil)
	p := pageFrom(r)
	assert.Equal(t, 25, p.Limit)
	assert.Equal(t, "01J", p.Cursor)

	p = pageFrom(httptest.NewRequest(http.MethodGet, "/?limit=abc", nil))
	assert.Zero(t, p.Limit)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4431"
	assert.Equal(t, "203.0.113.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.8")
	assert.Equal(t, "198.51.100.8", clientIP(r))
}
