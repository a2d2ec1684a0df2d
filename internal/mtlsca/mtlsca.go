// Package mtlsca issues and revokes agent client certificates through the
// Cloudflare mTLS certificate API. The Cloudflare edge terminates TLS and
// forwards the verified certificate identity in headers; this package only
// manages certificate lifecycle.
package mtlsca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	baseURL        = "https://api.cloudflare.com/client/v4"
	defaultCertTTL = 90 * 24 * time.Hour
)

// Certificate is the issued client certificate material returned to the
// agent exactly once.
type Certificate struct {
	ExternalID string
	Serial     string
	CertPEM    string
	KeyPEM     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Client talks to the Cloudflare API behind a circuit breaker. When the CA
// is down, enrollment proceeds without a certificate rather than failing;
// callers decide based on the org's mTLS policy.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	token      string
	zoneID     string
}

// New builds a CA client. Returns nil when Cloudflare is not configured;
// callers treat a nil client as "mTLS disabled".
func New(token, zoneID string) *Client {
	if token == "" || zoneID == "" {
		return nil
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloudflare-mtls-ca",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Certificate CA breaker state changed")
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    breaker,
		token:      token,
		zoneID:     zoneID,
	}
}

type cfEnvelope struct {
	Success bool            `json:"success"`
	Errors  []cfError       `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cfCertificate struct {
	ID          string `json:"id"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
	Serial      string `json:"serial_number"`
	UploadedOn  string `json:"uploaded_on"`
	ExpiresOn   string `json:"expires_on"`
}

// Issue requests a new client certificate bound to the device ID. The
// private key appears only in this response.
func (c *Client) Issue(ctx context.Context, deviceID string) (*Certificate, error) {
	body := map[string]any{
		"hostnames":          []string{deviceID + ".agents.breeze.internal"},
		"requested_validity": int(defaultCertTTL.Hours() / 24),
		"request_type":       "origin-rsa",
	}

	raw, err := c.call(ctx, http.MethodPost,
		fmt.Sprintf("%s/zones/%s/client_certificates", baseURL, c.zoneID), body)
	if err != nil {
		return nil, err
	}

	var cert cfCertificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, httperr.External("certificate authority returned malformed response", err)
	}

	issued := time.Now().UTC()
	expires := issued.Add(defaultCertTTL)
	if t, err := time.Parse(time.RFC3339, cert.ExpiresOn); err == nil {
		expires = t
	}
	return &Certificate{
		ExternalID: cert.ID,
		Serial:     cert.Serial,
		CertPEM:    cert.Certificate,
		KeyPEM:     cert.PrivateKey,
		IssuedAt:   issued,
		ExpiresAt:  expires,
	}, nil
}

// Revoke invalidates a certificate at the CA. Used at decommission and
// quarantine release.
func (c *Client) Revoke(ctx context.Context, externalCertID string) error {
	_, err := c.call(ctx, http.MethodDelete,
		fmt.Sprintf("%s/zones/%s/client_certificates/%s", baseURL, c.zoneID, externalCertID), nil)
	return err
}

func (c *Client) call(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, method, url, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, httperr.External("certificate authority unavailable", err)
		}
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Client) do(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, httperr.ExternalTimeout("certificate authority request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, httperr.External("read certificate authority response", err)
	}

	var envelope cfEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, httperr.External("certificate authority returned malformed response", err)
	}
	if resp.StatusCode >= 400 || !envelope.Success {
		msg := "certificate authority error"
		if len(envelope.Errors) > 0 {
			msg = fmt.Sprintf("certificate authority error: %s", envelope.Errors[0].Message)
		}
		return nil, httperr.External(msg, fmt.Errorf("status %d", resp.StatusCode))
	}
	return envelope.Result, nil
}
