package cdp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRequest struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

type fakeEvent struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	SessionID string `json:"sessionId,omitempty"`
}

// fakeReply is what a fake method handler answers with. Events in After are
// written right after the response, in order.
type fakeReply struct {
	Result any
	Error  *Error
	Silent bool
	After  []fakeEvent
}

// fakeBrowser is a DevTools endpoint that answers from per-method handlers.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]func(fakeRequest) fakeReply
	calls    []fakeRequest
	conn     *websocket.Conn
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, handlers: make(map[string]func(fakeRequest) fakeReply)}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) URL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
}

func (fb *fakeBrowser) Handle(method string, fn func(fakeRequest) fakeReply) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[method] = fn
}

func (fb *fakeBrowser) Calls() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]string, 0, len(fb.calls))
	for _, c := range fb.calls {
		out = append(out, c.Method)
	}
	return out
}

func (fb *fakeBrowser) Request(method string) (fakeRequest, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.calls {
		if c.Method == method {
			return c, true
		}
	}
	return fakeRequest{}, false
}

// Push writes an unsolicited event to the connected client.
func (fb *fakeBrowser) Push(ev fakeEvent) {
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		fb.t.Fatalf("push %s: no client connected", ev.Method)
	}
	fb.write(conn, ev)
}

// withPage installs handlers for the calls NewPage makes.
func (fb *fakeBrowser) withPage(sessionID string) {
	fb.Handle("Target.createTarget", func(fakeRequest) fakeReply {
		return fakeReply{Result: map[string]any{"targetId": "T1"}}
	})
	fb.Handle("Target.attachToTarget", func(fakeRequest) fakeReply {
		return fakeReply{Result: map[string]any{"sessionId": sessionID}}
	})
}

func (fb *fakeBrowser) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		fb.t.Errorf("accept: %v", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			fb.t.Errorf("bad request: %v", err)
			return
		}

		fb.mu.Lock()
		fb.calls = append(fb.calls, req)
		h := fb.handlers[req.Method]
		fb.mu.Unlock()

		reply := fakeReply{Result: map[string]any{}}
		if h != nil {
			reply = h(req)
		}
		if reply.Silent {
			continue
		}

		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if reply.Error != nil {
			resp["error"] = reply.Error
		} else if reply.Result != nil {
			resp["result"] = reply.Result
		} else {
			resp["result"] = map[string]any{}
		}
		fb.write(conn, resp)
		for _, ev := range reply.After {
			fb.write(conn, ev)
		}
	}
}

func (fb *fakeBrowser) write(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fb.t.Errorf("marshal: %v", err)
		return
	}
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}
