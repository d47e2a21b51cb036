package chromium

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// Version is the subset of /json/version the capture service needs.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverOptions tunes how long Discover keeps polling.
type DiscoverOptions struct {
	Attempts uint
	Delay    time.Duration
	Client   *http.Client
}

// Discover resolves the browser websocket URL of an already running Chromium.
// endpoint may be a ws:// URL, which is returned as is, an http:// base URL or
// a bare host:port. The endpoint is polled until it answers, which covers a
// browser container that is still starting.
func Discover(ctx context.Context, endpoint string, opts DiscoverOptions) (Version, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return Version{}, fmt.Errorf("empty devtools endpoint")
	}
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return Version{WebSocketDebuggerURL: endpoint}, nil
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	if opts.Attempts == 0 {
		opts.Attempts = 20
	}
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	var v Version
	err := retry.New(
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/json/version", nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL)
		}
		var got Version
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return fmt.Errorf("decode /json/version: %w", err)
		}
		if got.WebSocketDebuggerURL == "" {
			return fmt.Errorf("no webSocketDebuggerUrl in /json/version")
		}
		v = got
		return nil
	})
	if err != nil {
		return Version{}, fmt.Errorf("discover devtools at %s: %w", endpoint, err)
	}
	return v, nil
}
