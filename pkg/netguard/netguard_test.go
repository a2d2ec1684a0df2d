package netguard

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowedIP(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "::1",
		"10.1.2.3", "172.16.0.1", "192.168.1.1",
		"169.254.169.254",
		"0.0.0.0",
		"fe80::1", "fd00::1",
	}
	for _, raw := range blocked {
		assert.False(t, allowedIP(net.ParseIP(raw)), raw)
	}

	allowed := []string{"203.0.113.9", "8.8.8.8", "2001:4860:4860::8888"}
	for _, raw := range allowed {
		assert.True(t, allowedIP(net.ParseIP(raw)), raw)
	}

	assert.False(t, allowedIP(nil))
}

func TestClientRefusesLoopbackTarget(t *testing.T) {
	// httptest binds to 127.0.0.1, exactly what the guard must refuse.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("guarded client reached a loopback listener")
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	_, err := client.Get(srv.URL)
	assert.Error(t, err)

	var blocked *BlockedAddressError
	assert.True(t, errors.As(err, &blocked))
}

func TestClientCapsRedirectHops(t *testing.T) {
	client := NewClient(time.Second)
	hop := httptest.NewRequest(http.MethodGet, "https://example.com/next", nil)

	assert.NoError(t, client.CheckRedirect(hop, make([]*http.Request, 2)))
	assert.Error(t, client.CheckRedirect(hop, make([]*http.Request, 3)))
}

func TestClientRefusesPlaintextRedirect(t *testing.T) {
	client := NewClient(time.Second)
	hop := httptest.NewRequest(http.MethodGet, "http://example.com/next", nil)

	err := client.CheckRedirect(hop, make([]*http.Request, 1))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "non-https")
}
