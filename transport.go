package reportflow

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewTransport returns an HTTP transport with HTTP/2 enabled and idle
// connection health checks, so a half-dead connection to Graph is
// detected by ping instead of by a stalled export poll.
func NewTransport() http.RoundTripper {
	t1 := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	t2, err := http2.ConfigureTransports(t1)
	if err != nil {
		// ConfigureTransports fails only if h2 is already registered.
		return t1
	}
	t2.ReadIdleTimeout = 30 * time.Second
	t2.PingTimeout = 15 * time.Second
	return t1
}
