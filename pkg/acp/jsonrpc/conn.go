package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/common/logger"
)

// Handler receives calls initiated by the remote peer.
//
// HandleNotification runs on the read goroutine, so notifications are seen in
// stream order. HandleRequest runs on its own goroutine and must answer via
// Conn.Respond; a request that is never answered stays open.
type Handler interface {
	HandleRequest(ctx context.Context, req *Message)
	HandleNotification(ctx context.Context, msg *Message)
}

// DecodeErrorHandler is optionally implemented by a Handler to observe
// malformed frames. The stream continues either way.
type DecodeErrorHandler interface {
	HandleDecodeError(err error)
}

// Conn is a bidirectional JSON-RPC peer over a byte stream.
type Conn struct {
	w       io.Writer
	wmu     sync.Mutex
	framing Framing
	handler Handler
	logger  *logger.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]*PendingCall
	closed  *ClosedError

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConn creates a connection writing to w with the given framing.
// Call Serve with the read side to start dispatching.
func NewConn(w io.Writer, framing Framing, handler Handler, log *logger.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		w:       w,
		framing: framing,
		handler: handler,
		logger:  logger.Or(log).WithFields(zap.String("component", "jsonrpc-conn")),
		pending: make(map[int64]*PendingCall),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Framing returns the mode used for outgoing messages.
func (c *Conn) Framing() Framing { return c.framing }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// PendingCall is the deferred result of an outbound request.
type PendingCall struct {
	ID     int64
	Method string

	conn   *Conn
	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func (p *PendingCall) settle(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Done is closed once the call has a result or an error.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks for the result. Cancelling ctx abandons the call; a late
// response is then discarded.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		p.conn.forget(p.ID)
		p.settle(nil, &CallError{Method: p.Method, Kind: KindOther, Err: ctx.Err()})
		return p.result, p.err
	}
}

// Request writes a request and returns its pending handle.
func (c *Conn) Request(method string, params any) (*PendingCall, error) {
	id := c.nextID.Add(1)
	msg, err := NewRequest(NumberID(id), method, params)
	if err != nil {
		return nil, &CallError{Method: method, Kind: KindOther, Err: err}
	}

	call := &PendingCall{ID: id, Method: method, conn: c, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed != nil {
		closedErr := c.closed
		c.mu.Unlock()
		return nil, &CallError{Method: method, Kind: KindTransport, Err: closedErr}
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.forget(id)
		return nil, &CallError{Method: method, Kind: KindTransport, Err: err}
	}
	return call, nil
}

// Call sends a request and waits for its response. There is no implicit
// timeout: the call ends on a response, on ctx cancellation, or on Close.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := c.Request(method, params)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Notify writes a notification. No reply is expected.
func (c *Conn) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Respond answers an inbound request with a result or an error.
func (c *Conn) Respond(id ID, result any, rpcErr *Error) error {
	msg, err := NewResponse(id, result, rpcErr)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// PendingCount returns the number of outbound requests awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) write(msg *Message) error {
	c.mu.Lock()
	closedErr := c.closed
	c.mu.Unlock()
	if closedErr != nil {
		return closedErr
	}

	data, err := Encode(msg, c.framing)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	c.logger.Debug("sent message", zap.String("method", msg.Method), zap.Int("bytes", len(data)))
	return nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close rejects every pending request with a *ClosedError and refuses new
// ones. It is safe to call more than once; only the first reason is kept.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	closedErr := &ClosedError{Reason: reason}
	c.closed = closedErr
	pending := c.pending
	c.pending = make(map[int64]*PendingCall)
	c.mu.Unlock()

	// Done is closed before callers are woken so they observe the closed state.
	close(c.done)
	c.cancel()
	for _, call := range pending {
		call.settle(nil, &CallError{Method: call.Method, Kind: KindTransport, Err: closedErr})
	}

	c.logger.Debug("connection closed", zap.String("reason", reason), zap.Int("rejected", len(pending)))
}

// Serve reads r until EOF or error, dispatching every decoded message, and
// closes the connection when the stream ends.
func (c *Conn) Serve(r io.Reader) error {
	dec := NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			c.drain(dec)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				c.Close("stream closed")
				return nil
			}
			c.Close(readErr.Error())
			return readErr
		}
	}
}

func (c *Conn) drain(dec *Decoder) {
	for {
		msg, err := dec.Next()
		if err != nil {
			c.logger.Warn("skipping malformed frame", zap.Error(err))
			if h, ok := c.handler.(DecodeErrorHandler); ok {
				h.HandleDecodeError(err)
			}
			continue
		}
		if msg == nil {
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		c.handleResponse(msg)
	case msg.IsRequest():
		if c.handler == nil {
			_ = c.Respond(*msg.ID, nil, NewError(MethodNotFound, "method not implemented: %s", msg.Method))
			return
		}
		go c.handler.HandleRequest(c.ctx, msg)
	case msg.IsNotification():
		if c.handler != nil {
			c.handler.HandleNotification(c.ctx, msg)
		}
	default:
		c.logger.Warn("ignoring message without method or result")
	}
}

func (c *Conn) handleResponse(msg *Message) {
	if msg.ID == nil {
		c.logger.Warn("received response without id", zap.Any("error", msg.Error))
		return
	}
	id, ok := msg.ID.Int64()
	if !ok {
		c.logger.Warn("received response for unknown request", zap.String("id", msg.ID.String()))
		return
	}

	c.mu.Lock()
	call, found := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !found {
		c.logger.Debug("discarding response for unknown request", zap.Int64("id", id))
		return
	}
	if msg.Error != nil {
		call.settle(nil, &CallError{Method: call.Method, Kind: Classify(msg.Error), Err: msg.Error})
		return
	}
	call.settle(msg.Result, nil)
}
