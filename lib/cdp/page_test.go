package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oduwsdl/MementoEmbed/lib/netidle"
)

func newFakePage(t *testing.T) (*fakeBrowser, *Page) {
	t.Helper()
	fb := newFakeBrowser(t)
	fb.withPage("S1")
	conn := dialFake(t, fb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := NewPage(ctx, conn, silentLogger())
	require.NoError(t, err)
	return fb, p
}

func TestNewPage_AttachesAndEnablesDomains(t *testing.T) {
	fb, p := newFakePage(t)

	assert.Equal(t, "S1", p.SessionID())
	assert.Equal(t, []string{
		"Target.createTarget",
		"Target.attachToTarget",
		"Page.enable",
		"Network.enable",
	}, fb.Calls())

	attach, _ := fb.Request("Target.attachToTarget")
	assert.JSONEq(t, `{"targetId":"T1","flatten":true}`, string(attach.Params))

	enable, _ := fb.Request("Network.enable")
	assert.Equal(t, "S1", enable.SessionID)
}

func TestNewPage_MissingSession(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.Handle("Target.createTarget", func(fakeRequest) fakeReply {
		return fakeReply{Result: map[string]any{"targetId": "T1"}}
	})
	conn := dialFake(t, fb)

	_, err := NewPage(context.Background(), conn, silentLogger())
	assert.ErrorContains(t, err, "no session id")
}

func TestPage_SetUserAgentAndViewport(t *testing.T) {
	fb, p := newFakePage(t)
	ctx := context.Background()

	require.NoError(t, p.SetUserAgent(ctx, ""))
	_, sent := fb.Request("Emulation.setUserAgentOverride")
	assert.False(t, sent, "empty user agent must keep the browser default")

	require.NoError(t, p.SetUserAgent(ctx, "MementoEmbed/0.2"))
	ua, ok := fb.Request("Emulation.setUserAgentOverride")
	require.True(t, ok)
	assert.JSONEq(t, `{"userAgent":"MementoEmbed/0.2"}`, string(ua.Params))

	require.NoError(t, p.SetViewport(ctx, 1024, 768))
	vp, ok := fb.Request("Emulation.setDeviceMetricsOverride")
	require.True(t, ok)
	var params map[string]any
	require.NoError(t, json.Unmarshal(vp.Params, &params))
	assert.EqualValues(t, 1024, params["width"])
	assert.EqualValues(t, 768, params["height"])
	assert.EqualValues(t, 1, params["deviceScaleFactor"])
	assert.Equal(t, false, params["mobile"])
}

func TestPage_NavigateWaitsForDOMContentLoaded(t *testing.T) {
	fb, p := newFakePage(t)
	fb.Handle("Page.navigate", func(req fakeRequest) fakeReply {
		return fakeReply{
			Result: map[string]any{"frameId": "F1", "loaderId": "L1"},
			After: []fakeEvent{
				{Method: "Page.domContentEventFired", Params: map[string]any{"timestamp": 1.5}, SessionID: req.SessionID},
			},
		}
	})

	err := p.Navigate(context.Background(), "https://example.com/", time.Second)
	require.NoError(t, err)

	nav, _ := fb.Request("Page.navigate")
	assert.JSONEq(t, `{"url":"https://example.com/"}`, string(nav.Params))
}

func TestPage_NavigateTimesOutWithoutDOMContentLoaded(t *testing.T) {
	fb, p := newFakePage(t)
	fb.Handle("Page.navigate", func(fakeRequest) fakeReply {
		return fakeReply{Result: map[string]any{"frameId": "F1"}}
	})

	err := p.Navigate(context.Background(), "https://example.com/", 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPage_NavigateErrorText(t *testing.T) {
	fb, p := newFakePage(t)
	fb.Handle("Page.navigate", func(fakeRequest) fakeReply {
		return fakeReply{Result: map[string]any{"frameId": "F1", "errorText": "net::ERR_NAME_NOT_RESOLVED"}}
	})

	err := p.Navigate(context.Background(), "https://nope.invalid/", time.Second)
	assert.ErrorIs(t, err, ErrNavigation)
	assert.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
}

func TestPage_CaptureScreenshot(t *testing.T) {
	fb, p := newFakePage(t)
	png := []byte("\x89PNG\r\n\x1a\nfake")
	fb.Handle("Page.captureScreenshot", func(fakeRequest) fakeReply {
		return fakeReply{Result: map[string]any{"data": base64.StdEncoding.EncodeToString(png)}}
	})

	got, err := p.CaptureScreenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, png, got)

	req, _ := fb.Request("Page.captureScreenshot")
	assert.JSONEq(t, `{"format":"png"}`, string(req.Params))
}

func TestPage_RequestEventsMapToLifecycle(t *testing.T) {
	fb, p := newFakePage(t)

	var got []netidle.Kind
	record := func(k netidle.Kind) func() {
		return func() { got = append(got, k) }
	}
	src := p.Requests()
	src.Subscribe(netidle.RequestStarted, record(netidle.RequestStarted))
	src.Subscribe(netidle.RequestFinished, record(netidle.RequestFinished))
	src.Subscribe(netidle.RequestFailed, record(netidle.RequestFailed))

	fb.Push(fakeEvent{Method: "Network.requestWillBeSent", SessionID: "S1", Params: map[string]any{
		"requestId": "1", "request": map[string]any{"url": "http://a/", "method": "GET"},
	}})
	// redirect hop for the same request id
	fb.Push(fakeEvent{Method: "Network.requestWillBeSent", SessionID: "S1", Params: map[string]any{
		"requestId": "1", "request": map[string]any{"url": "https://a/", "method": "GET"},
		"redirectResponse": map[string]any{"url": "http://a/", "status": 301},
	}})
	fb.Push(fakeEvent{Method: "Network.loadingFinished", SessionID: "S1", Params: map[string]any{"requestId": "1"}})
	fb.Push(fakeEvent{Method: "Network.loadingFailed", SessionID: "S1", Params: map[string]any{
		"requestId": "2", "errorText": "net::ERR_ABORTED", "canceled": true,
	}})
	// other sessions are not this page's traffic
	fb.Push(fakeEvent{Method: "Network.loadingFinished", SessionID: "S2", Params: map[string]any{"requestId": "3"}})

	// a round trip guarantees every pushed event was dispatched
	require.NoError(t, p.conn.Call(context.Background(), "", "Browser.getVersion", nil, nil))

	assert.Equal(t, []netidle.Kind{
		netidle.RequestStarted,
		netidle.RequestFinished,
		netidle.RequestStarted,
		netidle.RequestFinished,
		netidle.RequestFailed,
	}, got)
}

func TestPage_RequestsDriveIdleDetection(t *testing.T) {
	fb, p := newFakePage(t)

	run, err := netidle.Detect(context.Background(), p.Requests(), netidle.Options{
		QuietWindow:  100 * time.Millisecond,
		HardDeadline: 5 * time.Second,
		Logger:       silentLogger(),
	})
	require.NoError(t, err)

	fb.Push(fakeEvent{Method: "Network.requestWillBeSent", SessionID: "S1", Params: map[string]any{
		"requestId": "1", "request": map[string]any{"url": "http://a/", "method": "GET"},
	}})
	time.Sleep(150 * time.Millisecond)
	select {
	case <-run.Done():
		t.Fatal("run settled while a request was in flight")
	default:
	}

	fb.Push(fakeEvent{Method: "Network.loadingFinished", SessionID: "S1", Params: map[string]any{"requestId": "1"}})

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle")
	}
	assert.Equal(t, netidle.OutcomeIdle, run.Outcome())
	assert.Equal(t, 1, run.Stats().Started)
}

func TestPage_Close(t *testing.T) {
	fb, p := newFakePage(t)

	require.NoError(t, p.Close(context.Background()))
	req, ok := fb.Request("Target.closeTarget")
	require.True(t, ok)
	assert.JSONEq(t, `{"targetId":"T1"}`, string(req.Params))
	assert.Empty(t, req.SessionID)
}
