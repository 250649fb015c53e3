// Package ws serves the territory change feed over websockets and follows it from the client side.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"territory.ai/internal/protocol"
	"territory.ai/internal/territory"
)

type Options struct {
	Logger *log.Logger

	// MaxSessions caps concurrent subscribers; <= 0 means unlimited.
	MaxSessions int

	// Poll is the fallback interval between change checks per session.
	Poll         time.Duration
	PingInterval time.Duration
}

type Server struct {
	src  territory.Source
	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader
	sessions atomic.Int64
	served   atomic.Uint64
}

func NewServer(src territory.Source, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Server{
		src:  src,
		log:  opts.Logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // read-only feed
		},
	}
}

// Sessions is the number of connected subscribers.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := s.sessions.Add(1)
		defer s.sessions.Add(-1)
		if s.opts.MaxSessions > 0 && n > int64(s.opts.MaxSessions) {
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}

		sub, ok := s.handshake(conn)
		if !ok {
			return
		}
		sid := "S" + uuid.NewString()[:8]
		s.served.Add(1)
		s.log.Printf("ws: session %s subscribed from %s (epoch=%q since=%v)", sid, r.RemoteAddr, sub.Epoch, fmtSince(sub.SinceVersion))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, 64)
		sink := &pushSink{ctx: ctx, out: out}
		f := territory.NewFollower(s.src, sink, s.opts.Poll, s.log)
		if sub.SinceVersion != nil && sub.Epoch != "" {
			f.Resume(sub.Epoch, *sub.SinceVersion)
		}

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(s.opts.PingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						writeErr <- err
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						writeErr <- err
						return
					}
				}
			}
		}()

		// Feed goroutine.
		go func() {
			_ = f.Run(ctx)
		}()

		// Reader loop: only control frames and protocol errors are expected after SUBSCRIBE.
		readTimeout := 2 * s.opts.PingInterval
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeSubscribe {
				sink.send(protocol.NewErrorMsg(protocol.ErrProtoBadRequest, "only SUBSCRIBE is accepted"))
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("ws: session %s closed", sid)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (protocol.SubscribeMsg, bool) {
	var sub protocol.SubscribeMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, false
	}
	if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != protocol.TypeSubscribe {
		_ = writeJSON(conn, protocol.NewErrorMsg(protocol.ErrProtoBadRequest, "expected SUBSCRIBE"))
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return sub, false
	}
	if sub.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewErrorMsg(protocol.ErrUnsupported, "protocol_version must be "+protocol.Version))
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return sub, false
	}
	return sub, true
}

// pushSink turns follower output into queued websocket frames.
type pushSink struct {
	ctx context.Context
	out chan<- []byte
}

func (p *pushSink) ApplySnapshot(snap territory.Snapshot) error {
	return p.push(protocol.NewSnapshotMsg(snap))
}

func (p *pushSink) ApplyDelta(d territory.DeltaResult) error {
	return p.push(protocol.NewDeltaMsg(d))
}

func (p *pushSink) push(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case p.out <- b:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// send queues v without blocking; it is dropped if the queue is full.
func (p *pushSink) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case p.out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func fmtSince(v *uint64) any {
	if v == nil {
		return "none"
	}
	return *v
}
