package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/omopmed/medquery/pkg/queryagent"
)

// Client dials a gateway server and satisfies the same Answerer contract as
// the in-process query agent. Requests may be pipelined; responses are
// correlated by id.
type Client struct {
	logger zerolog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan RPCResponse
	closed  bool
}

// Dial connects to a gateway server at the given websocket URL
// (e.g. ws://host:port/ws).
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway at %s: %w", url, err)
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[string]chan RPCResponse),
	}
	go c.readLoop()
	return c, nil
}

// Answer sends one sub-question to the remote agent and waits for the
// result or the context deadline.
func (c *Client) Answer(ctx context.Context, question string) (queryagent.Result, error) {
	params, err := json.Marshal(answerParams{Question: question})
	if err != nil {
		return queryagent.Result{}, err
	}

	resp, err := c.call(ctx, "agent.answer", params)
	if err != nil {
		return queryagent.Result{}, err
	}

	var result answerResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return queryagent.Result{}, fmt.Errorf("malformed gateway response: %w", err)
	}
	return queryagent.Result{SQL: result.SQL, Rows: result.Rows}, nil
}

// Ping checks that the gateway is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "health.ping", nil)
	return err
}

func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := gonanoid.Must()

	ch := make(chan RPCResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway connection is closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("gateway write failed: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("gateway connection closed while waiting for %s", method)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		var resp RPCResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failPending()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", resp.ID).Msg("Dropping response with no pending request")
			continue
		}
		ch <- resp
	}
}

// failPending closes every pending channel so blocked callers fail instead
// of hanging.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close tears down the connection. Pending calls fail.
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
