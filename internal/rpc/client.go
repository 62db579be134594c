package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Client correlates outbound requests with their eventual responses. It has
// no opinion about transport or process lifecycle: something else (the
// supervisor) feeds it decoded envelopes via Resolve, and reads outbound
// bytes via the Sender it's given.
type Client struct {
	sender Sender

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan pendingResult
}

// Sender is the minimal write-side contract Client needs from a transport.
type Sender interface {
	Send(v any) error
}

type pendingResult struct {
	result []byte
	err    *Error
}

// NewClient builds a correlation layer on top of sender.
func NewClient(sender Sender) *Client {
	return &Client{
		sender:  sender,
		pending: make(map[uint64]chan pendingResult),
	}
}

// Call sends a request and blocks until its response arrives, ctx is
// cancelled, or ctx's deadline passes — whichever comes first. On timeout
// or cancellation the pending entry is cleaned up so a late response
// doesn't leak a goroutine or a map entry.
func (c *Client) Call(ctx context.Context, method string, params any) ([]byte, error) {
	paramsJSON, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode params for %s: %w", method, err)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.sender.Send(request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc: %s: %w", method, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("rpc: %s: %s", method, res.err.Message)
		}
		return res.result, nil
	}
}

// Notify sends a fire-and-forget notification: no id, no response.
func (c *Client) Notify(method string, params any) error {
	paramsJSON, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("rpc: encode params for %s: %w", method, err)
	}
	return c.sender.Send(notification{Method: method, Params: paramsJSON})
}

// Reply answers an inbound server→client request with a result or an error
// (never both).
func (c *Client) Reply(id uint64, result any, rpcErr *Error) error {
	var resultJSON []byte
	if result != nil {
		b, err := encodeParams(result)
		if err != nil {
			return fmt.Errorf("rpc: encode reply result: %w", err)
		}
		resultJSON = b
	}
	return c.sender.Send(response{ID: id, Result: resultJSON, Error: rpcErr})
}

// Resolve delivers a decoded response envelope to whichever Call is
// waiting on its id. Envelopes with an id nobody is waiting on (a late
// reply after a timed-out Call, say) are silently dropped.
func (c *Client) Resolve(env Envelope) {
	if env.ID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- pendingResult{result: env.Result, err: env.Error}
}

// FailAll resolves every still-pending call with err — used when the
// subprocess exits or the transport is torn down, so no Call blocks
// forever on a response that will never come.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: &Error{Code: -32000, Message: err.Error()}}
	}
}
