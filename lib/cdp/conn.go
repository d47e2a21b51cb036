// Package cdp is a small Chrome DevTools Protocol client speaking raw JSON over
// a single browser-level websocket. Pages are attached with flattened
// sessions, so every page shares the one connection.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Screenshots come back base64-encoded in a single frame.
const readLimit = 64 << 20

var ErrClosed = errors.New("cdp connection closed")

// Error is a protocol-level error returned by the browser.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type subKey struct {
	sessionID string
	method    string
}

type handler struct {
	id uint64
	fn func(json.RawMessage)
}

// Conn is a browser-level DevTools connection.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	msgID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *message
	subs    map[subKey][]handler
	nextSub uint64

	cancel    context.CancelFunc
	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a DevTools websocket URL such as the one printed after
// "DevTools listening on".
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", wsURL, err)
	}
	ws.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[int64]chan *message),
		subs:    make(map[subKey][]handler),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Call sends method to the browser (sessionID empty) or to an attached page
// and decodes the result into result when it is non-nil.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, result any) error {
	id := c.msgID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return c.err()
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, c.err())
	}
}

// Subscribe registers fn for events named method on sessionID. Handlers run
// on the connection's read loop in arrival order; they must not call back
// into the connection. The returned function is idempotent.
func (c *Conn) Subscribe(sessionID, method string, fn func(params json.RawMessage)) func() {
	key := subKey{sessionID: sessionID, method: method}

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[key] = append(c.subs[key], handler{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[key]
			for i, h := range list {
				if h.id == id {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(c.subs, key)
			} else {
				c.subs[key] = list
			}
		})
	}
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close shuts the websocket down and fails outstanding calls.
func (c *Conn) Close() error {
	c.closing.Store(true)
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.shutdown(ErrClosed)
	return err
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		close(c.closed)
		c.mu.Unlock()
		c.cancel()
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if !c.closing.Load() {
				c.logger.Error("[cdp] read error", "err", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("[cdp] dropping undecodable message", "err", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}
		if msg.Method != "" {
			c.dispatch(&msg)
		}
	}
}

func (c *Conn) dispatch(msg *message) {
	key := subKey{sessionID: msg.SessionID, method: msg.Method}

	c.mu.Lock()
	list := make([]handler, len(c.subs[key]))
	copy(list, c.subs[key])
	c.mu.Unlock()

	for _, h := range list {
		h.fn(msg.Params)
	}
}
