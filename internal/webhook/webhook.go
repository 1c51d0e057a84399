// Package webhook delivers terminal-job callbacks to caller-supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	maxAttempts    = 8
	backoffBase    = time.Second
	backoffCap     = 5 * time.Minute
	requestTimeout = 30 * time.Second
)

// Send delivers the JSON payload to callbackURL in a background goroutine.
// Delivery is retried with full-jitter exponential backoff. The caller should
// pass context.WithoutCancel(jobCtx) so retries outlive the job that produced
// the callback but still stop on server shutdown.
func Send(ctx context.Context, callbackURL string, payload []byte) {
	if err := checkTarget(callbackURL); err != nil {
		slog.Warn("webhook: callback URL rejected", "url", callbackURL, "error", err)
		return
	}
	go deliverWithRetry(ctx, callbackURL, payload)
}

// checkTarget rejects URLs that would let a caller aim the service at
// internal infrastructure. Only http(s) to publicly routable hosts passes.
func checkTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse callback URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	addrs, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve callback host: %w", err)
	}
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("callback host resolves to non-public address %s", addr)
		}
	}
	return nil
}

func deliverWithRetry(ctx context.Context, callbackURL string, payload []byte) {
	client := &http.Client{Timeout: requestTimeout}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := deliver(ctx, client, callbackURL, payload)
		if err == nil {
			return
		}
		slog.Warn("webhook: delivery attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < maxAttempts {
			time.Sleep(backoff(attempt))
		}
	}
	slog.Error("webhook: gave up after all attempts", "url", callbackURL)
}

// backoff picks a random wait in [0, min(backoffCap, backoffBase*2^attempt)).
// Full jitter keeps a burst of failed callbacks from retrying in lockstep.
func backoff(attempt int) time.Duration {
	ceiling := backoffBase * (1 << attempt)
	if ceiling > backoffCap {
		ceiling = backoffCap
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}

func deliver(ctx context.Context, client *http.Client, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mediascrub-webhook/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
