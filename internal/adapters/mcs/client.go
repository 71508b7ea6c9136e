// Package mcs implements core.MCSGateway over the Media Control Server's
// websocket RPC transport. Requests carry a correlation id; media events
// are fanned out to per-media-id subscribers.
package mcs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
)

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcs rpc error %d: %s", e.Code, e.Message)
}

// message is either an RPC response (ID set) or a pushed event (Event set).
type message struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`

	Event     string `json:"event,omitempty"`
	MediaID   string `json:"mediaId,omitempty"`
	Name      string `json:"name,omitempty"`
	Details   string `json:"details,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Client is the production MCSGateway. One writer pumps the send channel;
// the reader correlates responses and dispatches events.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	pending   map[string]chan pendingResult
	connected bool
	connCh    chan struct{} // closed when connected flips to true

	nextSub      int
	mediaState   map[string]map[int]func(core.MediaEvent)
	mediaIce     map[string]map[int]func(string)
	disconnected map[int]func()
}

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:         conn,
		send:         make(chan []byte, 256),
		pending:      make(map[string]chan pendingResult),
		connected:    true,
		connCh:       make(chan struct{}),
		mediaState:   make(map[string]map[int]func(core.MediaEvent)),
		mediaIce:     make(map[string]map[int]func(string)),
		disconnected: make(map[int]func()),
	}
	close(c.connCh)
	go c.writePump(ctx)
	go c.readPump(ctx)
	log.Info().Str("module", "adapters.mcs").Str("url", url).Msg("mcs connected")
	return c, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("mcs not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out != nil && len(res.result) > 0 {
			return json.Unmarshal(res.result, out)
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) WaitForConnection(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.connCh
	connected := c.connected
	c.mu.Unlock()
	if connected {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) Join(ctx context.Context, room string, opts core.JoinOptions) (string, error) {
	var out struct {
		UserID string `json:"userId"`
	}
	err := c.call(ctx, "join", map[string]any{
		"room":           room,
		"type":           "SFU",
		"externalUserId": opts.ExternalUserID,
		"autoLeave":      opts.AutoLeave,
	}, &out)
	return out.UserID, err
}

func (c *Client) Publish(ctx context.Context, mcsUserID, room string, opts core.PublishOptions) (string, string, error) {
	var out struct {
		MediaID string `json:"mediaId"`
		Answer  string `json:"answer"`
	}
	err := c.call(ctx, "publish", map[string]any{
		"userId":               mcsUserID,
		"room":                 room,
		"type":                 opts.MediaType,
		"descriptor":           opts.SDPOffer,
		"adapter":              opts.Adapter,
		"record":               opts.Record,
		"mediaSpec":            opts.MediaSpec,
		"headerExtensions":     opts.HeaderExtensions,
		"overrideRouterCodecs": opts.OverrideRouterCodecs,
		"dedicatedRouter":      opts.DedicatedRouter,
	}, &out)
	return out.MediaID, out.Answer, err
}

func (c *Client) Consume(ctx context.Context, sourceMediaID, sinkMediaID, kind string) (string, error) {
	var out struct {
		Answer string `json:"answer"`
	}
	err := c.call(ctx, "consume", map[string]any{
		"sourceMediaId": sourceMediaID,
		"sinkMediaId":   sinkMediaID,
		"kind":          kind,
	}, &out)
	return out.Answer, err
}

func (c *Client) Subscribe(ctx context.Context, mcsUserID, room string, opts core.SubscribeOptions) (string, string, error) {
	var out struct {
		MediaID string `json:"mediaId"`
		Answer  string `json:"answer"`
	}
	err := c.call(ctx, "subscribe", map[string]any{
		"userId":        mcsUserID,
		"room":          room,
		"sourceMediaId": opts.SourceMediaID,
		"descriptor":    opts.SDPOffer,
		"adapter":       opts.Adapter,
		"mediaSpec":     opts.MediaSpec,
	}, &out)
	return out.MediaID, out.Answer, err
}

func (c *Client) Connect(ctx context.Context, mediaIDA, mediaIDB string, bothDirections bool) error {
	return c.call(ctx, "connect", map[string]any{
		"sourceMediaId": mediaIDA,
		"sinkMediaId":   mediaIDB,
		"both":          bothDirections,
	}, nil)
}

func (c *Client) AddIceCandidate(ctx context.Context, mediaID, candidate string) error {
	return c.call(ctx, "addIceCandidate", map[string]any{
		"mediaId":   mediaID,
		"candidate": candidate,
	}, nil)
}

func (c *Client) Unpublish(ctx context.Context, mcsUserID, mediaID string) error {
	return c.call(ctx, "unpublish", map[string]any{
		"userId":  mcsUserID,
		"mediaId": mediaID,
	}, nil)
}

func (c *Client) RestartIce(ctx context.Context, mediaID string) (string, error) {
	var out struct {
		Offer string `json:"offer"`
	}
	err := c.call(ctx, "restartIce", map[string]any{"mediaId": mediaID}, &out)
	return out.Offer, err
}

func (c *Client) DTMF(ctx context.Context, mediaID, tones string) (string, error) {
	var out struct {
		Digits string `json:"digits"`
	}
	err := c.call(ctx, "dtmf", map[string]any{
		"mediaId": mediaID,
		"tones":   tones,
	}, &out)
	return out.Digits, err
}

func (c *Client) OnMediaState(mediaID string, fn func(core.MediaEvent)) core.Unsubscribe {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.mediaState[mediaID] == nil {
		c.mediaState[mediaID] = make(map[int]func(core.MediaEvent))
	}
	c.mediaState[mediaID][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if subs, ok := c.mediaState[mediaID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(c.mediaState, mediaID)
				}
			}
			c.mu.Unlock()
		})
	}
}

func (c *Client) OnMediaStateIce(mediaID string, fn func(string)) core.Unsubscribe {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.mediaIce[mediaID] == nil {
		c.mediaIce[mediaID] = make(map[int]func(string))
	}
	c.mediaIce[mediaID][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if subs, ok := c.mediaIce[mediaID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(c.mediaIce, mediaID)
				}
			}
			c.mu.Unlock()
		})
	}
}

func (c *Client) OnDisconnected(fn func()) core.Unsubscribe {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.disconnected[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.disconnected, id)
			c.mu.Unlock()
		})
	}
}
