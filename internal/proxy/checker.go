package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Checker health-checks a single entry.
type Checker interface {
	Check(ctx context.Context, entry Entry) error
}

// HTTPChecker issues a GET against a known-reachable URL through the entry.
type HTTPChecker struct {
	TestURL string
	Timeout time.Duration
}

// Check succeeds when the test URL answers with a status in [200,400).
func (c HTTPChecker) Check(ctx context.Context, entry Entry) error {
	transport, err := NewTransport(entry)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.TestURL, nil)
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("check %s: %w", entry, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("check %s: status %d", entry, resp.StatusCode)
	}
	return nil
}
