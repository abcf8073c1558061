package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Doer is the HTTP primitive the client needs: a request in, a response
// whose body can be read incrementally out.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type TransportOptions struct {
	// Timeout bounds the whole exchange including the body. Zero means no
	// limit, which is what a long-lived stream wants; bound sessions through
	// the context passed to Stream instead.
	Timeout time.Duration
	// TLSFingerprint makes TLS handshakes look like a Safari browser and pins
	// ALPN to http/1.1. Some edge fronts treat non-browser handshakes
	// differently from browser ones.
	TLSFingerprint bool
}

// NewHTTPClient builds an http.Client suited to long-lived event streams.
func NewHTTPClient(opts TransportOptions) *http.Client {
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         (&net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if opts.TLSFingerprint {
		// The fingerprinted dialer only speaks http/1.1, where an event
		// stream is a plain chunked body.
		base.ForceAttemptHTTP2 = false
		base.DialTLSContext = fingerprintDialer(utls.HelloSafari_Auto)
	}
	return &http.Client{Timeout: opts.Timeout, Transport: base}
}

// fingerprintDialer returns a TLS dialer whose ClientHello mimics a browser.
// Edge fronts such as Cloudflare classify clients by their handshake and may
// challenge or buffer responses for ones that look like a bot, which turns
// a live event stream into one delayed blob. ALPN is pinned to http/1.1 and
// any other negotiated protocol is rejected.
func fingerprintDialer(hello utls.ClientHelloID) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var dialer net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		raw, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		conn := utls.UClient(raw, &utls.Config{ServerName: host}, hello)
		if err := pinHTTP11(conn); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("prepare client hello for %s: %w", host, err)
		}
		if err := conn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
		}
		if proto := conn.ConnectionState().NegotiatedProtocol; proto != "" && proto != "http/1.1" {
			_ = conn.Close()
			return nil, fmt.Errorf("event stream needs http/1.1, server chose %s", proto)
		}
		return conn, nil
	}
}

// pinHTTP11 rewrites the ALPN extension of the built hello so only
// http/1.1 is offered.
func pinHTTP11(conn *utls.UConn) error {
	if err := conn.BuildHandshakeState(); err != nil {
		return err
	}
	for _, ext := range conn.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			return nil
		}
	}
	return nil
}
