package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"territory.ai/internal/protocol"
	"territory.ai/internal/territory"
)

// Positioner is implemented by sinks that can report what they already hold, so a reconnect
// can ask for a delta instead of a full snapshot. *territory.Mirror implements it.
type Positioner interface {
	Position() (epoch string, version uint64, ok bool)
}

// Follow connects to a feed at url and applies every message to sink until the connection
// fails or ctx ends. It returns the error that ended the session.
func Follow(ctx context.Context, url string, sink territory.Sink) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	sub := protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version}
	if p, ok := sink.(Positioner); ok {
		if epoch, v, synced := p.Position(); synced {
			sub.Epoch = epoch
			sub.SinceVersion = &v
		}
	}
	if err := writeJSON(conn, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		closeWith(conn, websocket.CloseNormalClosure, "bye")
		_ = conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		switch base.Type {
		case protocol.TypeSnapshot:
			var m protocol.SnapshotMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			if err := sink.ApplySnapshot(m.Territory()); err != nil {
				return err
			}
		case protocol.TypeDelta:
			var m protocol.DeltaMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				return fmt.Errorf("decode delta: %w", err)
			}
			if err := sink.ApplyDelta(m.Territory()); err != nil {
				return err
			}
		case protocol.TypeError:
			var m protocol.ErrorMsg
			_ = json.Unmarshal(msg, &m)
			return fmt.Errorf("server error %s: %s", m.Code, m.Message)
		}
	}
}

// Client keeps a sink following a remote feed, reconnecting with backoff.
type Client struct {
	URL     string
	Sink    territory.Sink
	Logger  *log.Logger
	Backoff time.Duration

	// MaxBackoff caps the doubling backoff between reconnects.
	MaxBackoff time.Duration
}

func (c *Client) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	wait := backoff
	for {
		start := time.Now()
		err := Follow(ctx, c.URL, c.Sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxBackoff {
			wait = backoff
		}
		logger.Printf("ws: follow %s ended: %v; reconnecting in %s", c.URL, err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}
