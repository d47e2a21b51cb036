package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oduwsdl/MementoEmbed/lib/cdp"
	"github.com/oduwsdl/MementoEmbed/lib/chromium"
	"github.com/oduwsdl/MementoEmbed/lib/netidle"
)

// Page is a single browser tab driven for one capture.
type Page interface {
	Requests() netidle.Source
	SetUserAgent(ctx context.Context, userAgent string) error
	SetViewport(ctx context.Context, width, height int) error
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Browser opens pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

// BrowserOptions selects how the DevTools endpoint is obtained. A non-empty
// Endpoint attaches to a running browser; otherwise one is launched.
type BrowserOptions struct {
	Endpoint string
	Launch   chromium.LaunchOptions
}

// RemoteBrowser is a DevTools connection, optionally owning the browser process.
type RemoteBrowser struct {
	conn   *cdp.Conn
	proc   *chromium.Process
	logger *slog.Logger
}

var _ Browser = (*RemoteBrowser)(nil)

func OpenBrowser(ctx context.Context, opts BrowserOptions, logger *slog.Logger) (*RemoteBrowser, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &RemoteBrowser{logger: logger}

	var wsURL string
	if opts.Endpoint != "" {
		v, err := chromium.Discover(ctx, opts.Endpoint, chromium.DiscoverOptions{})
		if err != nil {
			return nil, err
		}
		logger.Info("[browser] attached to running browser", "browser", v.Browser, "url", v.WebSocketDebuggerURL)
		wsURL = v.WebSocketDebuggerURL
	} else {
		proc, err := chromium.Launch(ctx, opts.Launch, logger)
		if err != nil {
			return nil, err
		}
		b.proc = proc
		wsURL = proc.WebSocketURL()
	}

	conn, err := cdp.Dial(ctx, wsURL, logger)
	if err != nil {
		if b.proc != nil {
			_ = b.proc.Close()
		}
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *RemoteBrowser) NewPage(ctx context.Context) (Page, error) {
	p, err := cdp.NewPage(ctx, b.conn, b.logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Done is closed when the DevTools connection is lost.
func (b *RemoteBrowser) Done() <-chan struct{} {
	return b.conn.Done()
}

func (b *RemoteBrowser) Close() error {
	err := b.conn.Close()
	if b.proc != nil {
		err = errors.Join(err, b.proc.Close())
	}
	return err
}
