package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// ErrClosed is returned by Call after Stop or after the read loop terminates.
var ErrClosed = errors.New("codex: client closed")

// maxLineSize bounds one protocol line. Codex can emit large turn diffs.
const maxLineSize = 4 * 1024 * 1024

// NotificationHandler receives agent → client notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers agent → client requests. The returned result is
// marshaled into the response; a non-nil *Error wins over the result.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *Error)

// FatalHandler is invoked once when the read loop dies on corrupt framing or
// a closed pipe. The client is unusable afterwards.
type FatalHandler func(err error)

// Client speaks line-delimited Codex JSON-RPC over a subprocess's stdio.
// Writes are serialized; reads happen on a single loop started by Start.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[any]chan *Response
	closed  bool

	onNotification NotificationHandler
	onRequest      RequestHandler
	onFatal        FatalHandler

	logger *logger.Logger
	done   chan struct{}
}

// NewClient wraps a subprocess's stdin/stdout pair.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[any]chan *Response),
		logger:  log.WithFields(zap.String("component", "codex_client")),
		done:    make(chan struct{}),
	}
}

// OnNotification registers the notification handler. Must be called before
// Start.
func (c *Client) OnNotification(h NotificationHandler) { c.onNotification = h }

// OnRequest registers the incoming-request handler. Must be called before
// Start. Without one, requests are answered with method-not-found.
func (c *Client) OnRequest(h RequestHandler) { c.onRequest = h }

// OnFatal registers the framing-failure handler. Must be called before Start.
func (c *Client) OnFatal(h FatalHandler) { c.onFatal = h }

// Start launches the read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop terminates the client. In-flight Calls fail with ErrClosed.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// CallInto performs Call and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("codex: failed to decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{Method: method, Params: raw})
}

// SendResponse answers an agent request by id.
func (c *Client) SendResponse(id any, result any, respErr *Error) error {
	var raw json.RawMessage
	if result != nil && respErr == nil {
		var err error
		raw, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("codex: failed to marshal response: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: raw, Error: respErr})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("codex: failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("codex: failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			// Corrupt framing is unrecoverable: ids can no longer be trusted.
			c.fatal(fmt.Errorf("codex: corrupt frame: %w", err))
			return
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			c.dispatchResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case msg.ID != nil:
			c.dispatchRequest(ctx, msg.ID, msg.Method, msg.Params)
		case msg.Method != "":
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fatal(err)
}

// fatal fails all pending calls and reports once.
func (c *Client) fatal(err error) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	close(c.done)
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

func (c *Client) dispatchResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

func (c *Client) dispatchRequest(ctx context.Context, id any, method string, params json.RawMessage) {
	if c.onRequest == nil {
		if err := c.SendResponse(id, nil, &Error{Code: CodeMethodNotFound, Message: "method not found"}); err != nil {
			c.logger.Warn("failed to reject request", zap.String("method", method), zap.Error(err))
		}
		return
	}
	// Requests may block on user confirmation; keep the read loop free.
	go func() {
		result, respErr := c.onRequest(ctx, method, params)
		if err := c.SendResponse(id, result, respErr); err != nil {
			c.logger.Warn("failed to answer request", zap.String("method", method), zap.Error(err))
		}
	}()
}

// normalizeID folds the JSON number representations onto int64 so responses
// match the ids Call registered.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("codex: failed to marshal params: %w", err)
	}
	return raw, nil
}
