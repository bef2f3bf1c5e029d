package chatclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"fitlink/cmd/internal/ids"
	v1 "fitlink/shared/contracts/chat/v1"
)

const wsSubprotocol = "fitlink.chat.v1"

// wsChannel is the production Channel backed by the websocket gateway.
//
// The gateway protocol is attach-first: the first frame carries the
// capability token, and the gateway answers with an attached envelope before
// any other traffic. The read loop translates inbound envelopes into channel
// events; a read failure emits one evClosed and ends the stream.
type wsChannel struct {
	conn   *websocket.Conn
	events chan channelEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// DialWS is the default DialFunc. It connects to the gateway, sends the
// attach request and starts the read loop. The attached confirmation arrives
// as an event, not as a return value, so the manager's safety timeout covers
// the whole attach window.
func DialWS(ctx context.Context, cfg Config, conversationID, token string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, cfg.WSURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, err
	}

	ch := &wsChannel{
		conn:   conn,
		events: make(chan channelEvent, 64),
		closed: make(chan struct{}),
	}

	attach, err := buildEnvelope(v1.TypeAttach, conversationID, v1.AttachPayload{
		ConversationID: conversationID,
		Token:          token,
	}, time.Now().UTC())
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Publish(ctx, attach); err != nil {
		_ = ch.Close()
		return nil, err
	}

	go ch.readLoop()
	return ch, nil
}

func (c *wsChannel) Events() <-chan channelEvent { return c.events }

func (c *wsChannel) Publish(ctx context.Context, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(websocket.StatusNormalClosure, "detach")
	})
	return nil
}

func (c *wsChannel) readLoop() {
	defer close(c.events)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
				// Local close; report a clean termination.
				c.events <- channelEvent{kind: evClosed}
			default:
				c.events <- channelEvent{kind: evClosed, err: err}
			}
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // skip garbage frames, the stream itself is still healthy
		}
		if env.Validate() != nil {
			continue
		}

		switch env.Type {
		case v1.TypeAttached:
			c.events <- channelEvent{kind: evAttached, env: env}
		default:
			c.events <- channelEvent{kind: evEnvelope, env: env}
		}
	}
}

// buildEnvelope wraps a payload into a protocol envelope with a fresh id.
func buildEnvelope(typ, conversationID string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		ConvID:  conversationID,
		TS:      now,
		Payload: raw,
	}, nil
}
