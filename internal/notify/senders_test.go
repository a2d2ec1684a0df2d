package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *Message {
	return &Message{
		Title:    "CPU usage on web-01",
		Body:     "cpu_percent is 97.0 (threshold > 90.0)",
		Severity: "critical",
		AlertID:  "alr_1",
		OrgID:    "org_1",
	}
}

func captureServer(t *testing.T, status int) (*httptest.Server, *map[string]any, *http.Header) {
	t.Helper()
	body := map[string]any{}
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &body, &headers
}

func TestTeamsSenderPostsMessageCard(t *testing.T) {
	srv, body, _ := captureServer(t, http.StatusOK)

	s := &TeamsSender{client: srv.Client()}
	config, _ := json.Marshal(map[string]string{"webhookUrl": srv.URL})
	require.NoError(t, s.Send(context.Background(), config, testMessage()))

	assert.Equal(t, "MessageCard", (*body)["@type"])
	assert.Equal(t, "CPU usage on web-01", (*body)["title"])
}

func TestWebhookSenderPostsWithHeaders(t *testing.T) {
	srv, body, headers := captureServer(t, http.StatusOK)

	s := &WebhookSender{client: srv.Client()}
	config, _ := json.Marshal(map[string]any{
		"url":     srv.URL,
		"headers": map[string]string{"X-Token": "tok"},
	})
	require.NoError(t, s.Send(context.Background(), config, testMessage()))

	assert.Equal(t, "tok", headers.Get("X-Token"))
	assert.Equal(t, "alr_1", (*body)["alertId"])
	assert.Equal(t, "critical", (*body)["severity"])
}

func TestSMSSenderFormatsMessage(t *testing.T) {
	srv, body, headers := captureServer(t, http.StatusOK)

	s := &SMSSender{client: srv.Client()}
	config, _ := json.Marshal(map[string]any{
		"url":    srv.URL,
		"apiKey": "sms-key",
		"to":     []string{"+15550100"},
	})
	require.NoError(t, s.Send(context.Background(), config, testMessage()))

	assert.Equal(t, "Bearer sms-key", headers.Get("Authorization"))
	assert.Contains(t, (*body)["message"], "[CRITICAL] CPU usage on web-01")
}

func TestSendersRejectMalformedConfig(t *testing.T) {
	msg := testMessage()
	ctx := context.Background()

	for name, err := range map[string]error{
		"teams":     (&TeamsSender{}).Send(ctx, json.RawMessage(`{}`), msg),
		"webhook":   (&WebhookSender{}).Send(ctx, json.RawMessage(`not json`), msg),
		"pagerduty": (&PagerDutySender{}).Send(ctx, json.RawMessage(`{}`), msg),
		"sms":       (&SMSSender{}).Send(ctx, json.RawMessage(`{"url":"http://x"}`), msg),
		"slack":     (&SlackSender{}).Send(ctx, json.RawMessage(`{}`), msg),
	} {
		assert.Equal(t, httperr.KindValidation, httperr.KindOf(err), name)
	}
}

func TestSenderTreatsEndpointErrorAsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := &WebhookSender{client: srv.Client()}
	config, _ := json.Marshal(map[string]string{"url": srv.URL})
	err := s.Send(context.Background(), config, testMessage())
	assert.Equal(t, httperr.KindExternal, httperr.KindOf(err))
}

func TestSeverityMappings(t *testing.T) {
	assert.Equal(t, "danger", severityColor("critical"))
	assert.Equal(t, "warning", severityColor("warning"))
	assert.Equal(t, "#439FE0", severityColor("info"))

	assert.Equal(t, "critical", pagerDutySeverity("critical"))
	assert.Equal(t, "info", pagerDutySeverity("unknown"))
}
