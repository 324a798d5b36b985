// internal/browser/network/httpclient.go
package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Timeouts and pool sizes for connections made on behalf of analysis
// runs: tap upstream traffic, sitemap and robots fetches.
const (
	defaultDialTimeout           = 15 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultRequestTimeout        = 60 * time.Second
	defaultMaxIdleConns          = 100
	defaultIdleConnTimeout       = 90 * time.Second
)

// newUpstreamTransport builds the transport used for outbound requests.
// Transparent compression stays disabled: the beacon tap forwards bodies
// exactly as the server sent them, and the fetch client negotiates its
// own encodings through DecompressingTransport.
func newUpstreamTransport(insecureSkipVerify bool) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecureSkipVerify,
		},
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          defaultMaxIdleConns,
		IdleConnTimeout:       defaultIdleConnTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}
}

// NewFetchClient returns a client for document fetches outside the
// browser. Responses come back identity-encoded regardless of what the
// server sent, so callers can parse bodies directly.
func NewFetchClient(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	// cookiejar.New only errors on invalid options; nil is valid.
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: NewDecompressingTransport(newUpstreamTransport(insecureSkipVerify)),
		Jar:       jar,
		Timeout:   timeout,
	}
}
