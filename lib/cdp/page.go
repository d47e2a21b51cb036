package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/oduwsdl/MementoEmbed/lib/netidle"
)

// ErrNavigation wraps failures reported by the browser for Page.navigate.
var ErrNavigation = errors.New("navigation failed")

// Page is one browser tab attached over a flattened session.
type Page struct {
	conn      *Conn
	logger    *slog.Logger
	targetID  target.ID
	sessionID string

	requests    *netidle.Emitter
	unsubscribe []func()
}

// NewPage opens a blank tab, attaches to it and enables the Page and Network
// domains. Request lifecycle events are available from Requests as soon as
// NewPage returns.
func NewPage(ctx context.Context, conn *Conn, logger *slog.Logger) (*Page, error) {
	var created target.CreateTargetReturns
	if err := conn.Call(ctx, "", target.CommandCreateTarget, &target.CreateTargetParams{URL: "about:blank"}, &created); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	var attached target.AttachToTargetReturns
	if err := conn.Call(ctx, "", target.CommandAttachToTarget, &target.AttachToTargetParams{
		TargetID: created.TargetID,
		Flatten:  true,
	}, &attached); err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", created.TargetID, err)
	}
	if attached.SessionID == "" {
		return nil, fmt.Errorf("attach to target %s: no session id in response", created.TargetID)
	}

	p := &Page{
		conn:      conn,
		logger:    logger.With("targetId", string(created.TargetID)),
		targetID:  created.TargetID,
		sessionID: string(attached.SessionID),
		requests:  netidle.NewEmitter(),
	}
	p.watchRequests()

	if err := conn.Call(ctx, p.sessionID, page.CommandEnable, nil, nil); err != nil {
		p.release()
		return nil, fmt.Errorf("enable page domain: %w", err)
	}
	if err := conn.Call(ctx, p.sessionID, network.CommandEnable, &network.EnableParams{}, nil); err != nil {
		p.release()
		return nil, fmt.Errorf("enable network domain: %w", err)
	}

	p.logger.Debug("[cdp] page attached", "sessionId", p.sessionID)
	return p, nil
}

// watchRequests translates Network domain events into request lifecycle
// events. A redirect reuses the request id, so the previous hop is reported
// as finished before the new hop starts.
func (p *Page) watchRequests() {
	p.unsubscribe = append(p.unsubscribe,
		p.conn.Subscribe(p.sessionID, cdproto.EventNetworkRequestWillBeSent, func(params json.RawMessage) {
			var ev network.EventRequestWillBeSent
			if err := json.Unmarshal(params, &ev); err != nil {
				p.logger.Debug("[cdp] undecodable requestWillBeSent", "err", err)
				p.requests.Emit(netidle.RequestStarted)
				return
			}
			if ev.RedirectResponse != nil {
				p.requests.Emit(netidle.RequestFinished)
			}
			p.requests.Emit(netidle.RequestStarted)
		}),
		p.conn.Subscribe(p.sessionID, cdproto.EventNetworkLoadingFinished, func(json.RawMessage) {
			p.requests.Emit(netidle.RequestFinished)
		}),
		p.conn.Subscribe(p.sessionID, cdproto.EventNetworkLoadingFailed, func(params json.RawMessage) {
			var ev network.EventLoadingFailed
			if err := json.Unmarshal(params, &ev); err == nil {
				p.logger.Debug("[cdp] request failed", "requestId", string(ev.RequestID), "error", ev.ErrorText, "canceled", ev.Canceled)
			}
			p.requests.Emit(netidle.RequestFailed)
		}),
	)
}

// Requests returns the page's request lifecycle event source.
func (p *Page) Requests() netidle.Source {
	return p.requests
}

// SessionID returns the flattened session the page is attached with.
func (p *Page) SessionID() string {
	return p.sessionID
}

// SetUserAgent overrides the user agent for subsequent requests. An empty
// value keeps the browser default.
func (p *Page) SetUserAgent(ctx context.Context, userAgent string) error {
	if userAgent == "" {
		return nil
	}
	if err := p.conn.Call(ctx, p.sessionID, emulation.CommandSetUserAgentOverride, &emulation.SetUserAgentOverrideParams{
		UserAgent: userAgent,
	}, nil); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	return nil
}

// SetViewport emulates a desktop viewport of the given size.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if err := p.conn.Call(ctx, p.sessionID, emulation.CommandSetDeviceMetricsOverride, &emulation.SetDeviceMetricsOverrideParams{
		Width:             int64(width),
		Height:            int64(height),
		DeviceScaleFactor: 1,
		Mobile:            false,
	}, nil); err != nil {
		return fmt.Errorf("set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// Navigate loads url and waits for DOMContentLoaded, bounded by timeout when
// it is positive.
func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	loaded := make(chan struct{}, 1)
	unsubscribe := p.conn.Subscribe(p.sessionID, cdproto.EventPageDomContentEventFired, func(json.RawMessage) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var res page.NavigateReturns
	if err := p.conn.Call(ctx, p.sessionID, page.CommandNavigate, &page.NavigateParams{URL: url}, &res); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %w: %s", url, ErrNavigation, res.ErrorText)
	}

	select {
	case <-loaded:
		p.logger.Debug("[cdp] DOMContentLoaded", "url", url)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("navigate to %s: waiting for DOMContentLoaded: %w", url, ctx.Err())
	case <-p.conn.Done():
		return fmt.Errorf("navigate to %s: %w", url, ErrClosed)
	}
}

// CaptureScreenshot returns a PNG of the current viewport.
func (p *Page) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var res page.CaptureScreenshotReturns
	if err := p.conn.Call(ctx, p.sessionID, page.CommandCaptureScreenshot, &page.CaptureScreenshotParams{
		Format: page.CaptureScreenshotFormatPng,
	}, &res); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return data, nil
}

// Close detaches the event handlers and closes the tab.
func (p *Page) Close(ctx context.Context) error {
	p.release()
	if err := p.conn.Call(ctx, "", target.CommandCloseTarget, &target.CloseTargetParams{TargetID: p.targetID}, nil); err != nil {
		return fmt.Errorf("close target %s: %w", p.targetID, err)
	}
	return nil
}

func (p *Page) release() {
	for _, unsubscribe := range p.unsubscribe {
		unsubscribe()
	}
	p.unsubscribe = nil
}
