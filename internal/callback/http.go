// Package callback bundles ready-made authentication checks for common
// transports. Each constructor returns an engine.Callback; the engine itself
// never knows which transport is behind it.
package callback

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sprayer/internal/engine"
)

// HTTPBasic probes a URL with HTTP basic auth. 2xx means valid, 401/403 means
// invalid, anything else is an error outcome (the target misbehaved, not the
// credentials).
func HTTPBasic(url string, timeout time.Duration) engine.Callback {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		// Redirects often lead away from the protected resource; a redirect
		// status is judged as-is instead.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func(ctx context.Context, username, password string) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		req.SetBasicAuth(username, password)

		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return true, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return false, nil
		default:
			return false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
	}
}
