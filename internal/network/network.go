// Package network is the transport facade the consensus and replication
// layers speak through: topic pub/sub plus request/response protocols. The
// in-memory implementation backs tests and single-process multi-node runs;
// the WebSocket transport carries the same verbs between processes.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrProtocolUnavailable reports a request for a protocol no peer serves.
var ErrProtocolUnavailable = errors.New("protocol unavailable")

// RequestFailedError carries a remote handler failure back to the caller.
type RequestFailedError struct {
	Code    string
	Message string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed (%s): %s", e.Code, e.Message)
}

// Handler serves one request/response protocol.
type Handler func(payload []byte) ([]byte, error)

// Message is one published topic payload.
type Message struct {
	Topic   string
	Payload []byte
}

// DistributedNetwork is the node-facing facade.
type DistributedNetwork interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (*Subscription, error)
	Request(ctx context.Context, protocol string, payload []byte) ([]byte, error)
	RegisterHandler(protocol string, h Handler) error
}

const subscriptionBuffer = 256

// Subscription buffers retained and future messages for one topic. Slow
// consumers lose the oldest buffered message rather than blocking the
// publisher.
type Subscription struct {
	topic string

	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func newSubscription(topic string) *Subscription {
	return &Subscription{topic: topic, ch: make(chan Message, subscriptionBuffer)}
}

func (s *Subscription) Topic() string { return s.topic }

// C streams messages as they arrive.
func (s *Subscription) C() <-chan Message { return s.ch }

// Drain returns everything currently buffered without blocking.
func (s *Subscription) Drain() []Message {
	var out []Message
	for {
		select {
		case m, ok := <-s.ch:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func (s *Subscription) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- m:
			return
		default:
			// Full: shed the oldest.
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
