// Package netguard provides the SSRF-guarded HTTP client used for every
// outbound request to a tenant-supplied URL: webhook deliveries and
// notification channel endpoints. Destinations are re-validated at dial
// time, after DNS resolution, so a hostname that later re-resolves to an
// internal address is still refused.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

const maxRedirectHops = 3

// BlockedAddressError reports a destination rejected by the guard.
type BlockedAddressError struct {
	Host string
	IP   string
}

func (e *BlockedAddressError) Error() string {
	return fmt.Sprintf("destination %s (%s) is not routable for webhooks", e.Host, e.IP)
}

// allowedIP rejects loopback, RFC1918, link-local (which covers the cloud
// metadata endpoint), and unspecified addresses.
func allowedIP(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// NewClient builds the guarded outbound client. DNS answers are cached and
// refreshed in the background so delivery retry storms do not hammer the
// resolver.
func NewClient(timeout time.Duration) *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			if ip := net.ParseIP(host); ip != nil {
				if !allowedIP(ip) {
					return nil, &BlockedAddressError{Host: host, IP: ip.String()}
				}
				return dialer.DialContext(ctx, network, address)
			}

			addrs, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, addr := range addrs {
				ip := net.ParseIP(addr)
				if !allowedIP(ip) {
					lastErr = &BlockedAddressError{Host: host, IP: addr}
					continue
				}
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &net.DNSError{Err: "no addresses", Name: host}
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Every hop dials through the guarded transport; this adds a
			// hop cap and keeps a signed payload off plaintext hops.
			if req.URL.Scheme != "https" {
				return fmt.Errorf("refusing redirect to non-https destination %s", req.URL.Redacted())
			}
			if len(via) >= maxRedirectHops {
				return fmt.Errorf("stopped after %d redirects", maxRedirectHops)
			}
			return nil
		},
	}
}
