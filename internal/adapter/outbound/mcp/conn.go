package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/pkg/mcp"
)

// DefaultCallTimeout bounds one request/response exchange when the caller's
// context carries no earlier deadline.
const DefaultCallTimeout = 30 * time.Second

// maxLineBytes bounds one protocol line read from a backend.
const maxLineBytes = 1 << 20

// ErrConnClosed is returned for calls made on, or pending across, a closed
// connection.
var ErrConnClosed = errors.New("backend connection closed")

// Conn correlates JSON-RPC requests with responses over one backend's stdio.
// Ids are allocated monotonically per connection; a reader goroutine routes
// each response to the waiter holding its id. Lines that are not valid JSON
// objects and responses with unknown ids are discarded.
type Conn struct {
	writeMu sync.Mutex
	w       io.Writer

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *mcp.Response
	closed   bool
	draining bool

	// idle is closed once the connection is draining and nothing is pending.
	idle     chan struct{}
	idleOnce sync.Once

	logger *slog.Logger
	done   chan struct{}
}

// NewConn starts the reader over the given pipes. The connection owns the
// reader goroutine until Close or reader EOF.
func NewConn(w io.Writer, r io.Reader, logger *slog.Logger) *Conn {
	c := &Conn{
		w:       w,
		pending: make(map[int64]chan *mcp.Response),
		idle:    make(chan struct{}),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends one request and blocks until its response arrives, the context
// expires, or the connection closes. The default timeout applies when ctx has
// no deadline.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan *mcp.Response, 1)

	c.mu.Lock()
	if c.closed || c.draining {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req, err := mcp.NewRequest(mcp.NumericID(id), method, params)
	if err != nil {
		c.abandon(id)
		return nil, err
	}
	if err := c.writeLine(req); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, fmt.Errorf("call %s: %w", method, ctx.Err())
	}
}

// Notify sends a request without an id and does not wait for a response.
func (c *Conn) Notify(method string, params any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()

	req, err := mcp.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.writeLine(req)
}

// Close marks the connection closed and fails every pending call.
// Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *mcp.Response)
	c.idleOnce.Do(func() { close(c.idle) })
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Shutdown stops admitting new calls, waits up to grace for in-flight calls
// to complete, then closes the connection. Calls still pending when the
// grace window expires fail with ErrConnClosed. Idempotent.
func (c *Conn) Shutdown(grace time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.signalIdleLocked()
	c.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.idle:
	case <-c.done:
	case <-timer.C:
	}
	c.Close()
}

// signalIdleLocked wakes Shutdown once nothing is pending. Caller holds mu.
func (c *Conn) signalIdleLocked() {
	if c.draining && len(c.pending) == 0 {
		c.idleOnce.Do(func() { close(c.idle) })
	}
}

// Done is closed when the reader has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// abandon drops a pending id so a late response is discarded.
func (c *Conn) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.signalIdleLocked()
	c.mu.Unlock()
}

func (c *Conn) writeLine(req *mcp.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// readLoop routes responses to waiters until EOF or a read error, then
// closes the connection so pending calls fail rather than hang.
func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)
	defer c.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		_, resp, err := mcp.DecodeLine(line)
		if err != nil {
			// Backends may emit plain-text noise on stdout; skip it.
			continue
		}
		if resp == nil {
			// Requests initiated by the backend are not supported.
			c.logger.Debug("ignoring backend-initiated request")
			continue
		}

		id, ok := mcp.ParseNumericID(resp.ID)
		if !ok {
			continue
		}

		c.mu.Lock()
		ch, found := c.pending[id]
		if found {
			delete(c.pending, id)
			c.signalIdleLocked()
		}
		c.mu.Unlock()

		if !found {
			// Late or duplicate response; first completion won.
			continue
		}
		ch <- resp
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("backend read loop ended", "error", err)
	}
}
