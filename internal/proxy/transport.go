package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

const dialTimeout = 10 * time.Second

// NewTransport returns an http.Transport that egresses through entry.
func NewTransport(entry Entry) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
	if !entry.IsSOCKS() {
		transport.Proxy = http.ProxyURL(entry.URL())
		return transport, nil
	}
	var auth *xproxy.Auth
	if entry.Username != "" {
		auth = &xproxy.Auth{User: entry.Username, Password: entry.Password}
	}
	socks, err := xproxy.SOCKS5("tcp", entry.Address(), auth, dialer)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	contextDialer, ok := socks.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return contextDialer.DialContext(ctx, network, addr)
	}
	return transport, nil
}

// NewDirectTransport returns a transport without any proxy.
func NewDirectTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
