// Package httpclient builds the outbound HTTP clients shared by the exchange
// and Telegram integrations.
package httpclient

import (
	"net/http"
	"net/url"
	"time"
)

// New builds a client with optional proxy support. An unparsable proxy URL
// is ignored and the client connects directly.
func New(timeout time.Duration, proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
