package protocol

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"golang.org/x/time/rate"
)

// VersionInfo is the payload of the /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// FetchVersion queries httpEndpoint (for example http://127.0.0.1:9222) for its browser-level
// websocket url.
func FetchVersion(ctx context.Context, httpEndpoint string) (*VersionInfo, error) {
	url := strings.TrimSuffix(httpEndpoint, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}
	var info VersionInfo
	if err := json.UnmarshalRead(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", url, err)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("no webSocketDebuggerUrl in %s", url)
	}
	return &info, nil
}

// WaitForVersion polls FetchVersion until the endpoint answers or ctx ends. The last failure is
// wrapped in a *ConnectionFailedError.
func WaitForVersion(ctx context.Context, browserName, httpEndpoint string, interval time.Duration) (*VersionInfo, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, &ConnectionFailedError{Browser: browserName, Endpoint: httpEndpoint, Err: lastErr}
		}
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		info, err := FetchVersion(reqCtx, httpEndpoint)
		cancel()
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
}
