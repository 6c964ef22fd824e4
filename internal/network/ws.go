package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Frame verbs carried over the WebSocket transport.
const (
	frameSubscribe = "subscribe"
	framePublish   = "publish"
	frameEvent     = "event"
	frameRequest   = "request"
	frameResponse  = "response"
)

const (
	wsReadLimit    = 4 << 20
	wsWriteTimeout = 5 * time.Second
	wsReadTimeout  = 60 * time.Second
)

type frame struct {
	Type     string `json:"type"`
	ID       uint64 `json:"id,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WSServer exposes a backend network over WebSocket: JSON frames carrying
// the publish/subscribe/request verbs.
type WSServer struct {
	backend  DistributedNetwork
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSServer(backend DistributedNetwork, log zerolog.Logger) *WSServer {
	return &WSServer{
		backend: backend,
		log:     log.With().Str("component", "ws-server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *WSServer) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(wsReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan frame, 64)

		// Writer goroutine: the only goroutine touching the write side.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-out:
					b, err := json.Marshal(f)
					if err != nil {
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			var f frame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			switch f.Type {
			case framePublish:
				if err := s.backend.Publish(f.Topic, f.Payload); err != nil {
					s.log.Warn().Err(err).Str("topic", f.Topic).Msg("publish failed")
				}
			case frameSubscribe:
				sub, err := s.backend.Subscribe(f.Topic)
				if err != nil {
					continue
				}
				go func() {
					defer sub.Close()
					for {
						select {
						case <-ctx.Done():
							return
						case m, ok := <-sub.C():
							if !ok {
								return
							}
							select {
							case out <- frame{Type: frameEvent, Topic: m.Topic, Payload: m.Payload}:
							case <-ctx.Done():
								return
							}
						}
					}
				}()
			case frameRequest:
				go func(f frame) {
					reqCtx, reqCancel := context.WithTimeout(ctx, 10*time.Second)
					defer reqCancel()
					resp := frame{Type: frameResponse, ID: f.ID, Protocol: f.Protocol}
					b, err := s.backend.Request(reqCtx, f.Protocol, f.Payload)
					if err != nil {
						resp.Code = "error"
						resp.Error = err.Error()
					} else {
						resp.Payload = b
					}
					select {
					case out <- resp:
					case <-ctx.Done():
					}
				}(f)
			}
		}
	}
}

// WSClient is a DistributedNetwork over one WebSocket connection. Handlers
// cannot be registered client-side; protocols are served where the backend
// lives.
type WSClient struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan frame
	subs    map[string][]*Subscription
	closed  bool
}

func DialWS(url string, log zerolog.Logger) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &WSClient{
		conn:    conn,
		log:     log.With().Str("component", "ws-client").Logger(),
		pending: map[uint64]chan frame{},
		subs:    map[string][]*Subscription{},
	}
	conn.SetReadLimit(wsReadLimit)
	go c.readLoop()
	return c, nil
}

var _ DistributedNetwork = (*WSClient)(nil)

func (c *WSClient) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameEvent:
			c.mu.Lock()
			subs := append([]*Subscription(nil), c.subs[f.Topic]...)
			c.mu.Unlock()
			for _, s := range subs {
				s.deliver(Message{Topic: f.Topic, Payload: f.Payload})
			}
		case frameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}

func (c *WSClient) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *WSClient) Publish(topic string, payload []byte) error {
	return c.write(frame{Type: framePublish, Topic: topic, Payload: payload})
}

func (c *WSClient) Subscribe(topic string) (*Subscription, error) {
	sub := newSubscription(topic)
	c.mu.Lock()
	first := len(c.subs[topic]) == 0
	c.subs[topic] = append(c.subs[topic], sub)
	c.mu.Unlock()
	if first {
		if err := c.write(frame{Type: frameSubscribe, Topic: topic}); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (c *WSClient) Request(ctx context.Context, protocol string, payload []byte) ([]byte, error) {
	id := c.nextID.Add(1)
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(frame{Type: frameRequest, ID: id, Protocol: protocol, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &RequestFailedError{Code: "deadline", Message: ctx.Err().Error()}
	case f := <-ch:
		if f.Code != "" {
			return nil, &RequestFailedError{Code: f.Code, Message: f.Error}
		}
		return f.Payload, nil
	}
}

// RegisterHandler is a server-side concern; a client cannot serve protocols.
func (c *WSClient) RegisterHandler(protocol string, _ Handler) error {
	return fmt.Errorf("%w: %s (client transport cannot serve protocols)", ErrProtocolUnavailable, protocol)
}

func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string][]*Subscription{}
	c.mu.Unlock()
	for _, list := range subs {
		for _, s := range list {
			s.Close()
		}
	}
	_ = c.conn.Close()
}
