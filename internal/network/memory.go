package network

import (
	"context"
	"fmt"
	"sync"
)

// Bus is the in-memory DistributedNetwork: every node in the process shares
// one bus; topics retain their history so late subscribers replay it.
type Bus struct {
	mu       sync.Mutex
	retained map[string][]Message
	subs     map[string][]*Subscription
	handlers map[string]Handler
}

func NewBus() *Bus {
	return &Bus{
		retained: map[string][]Message{},
		subs:     map[string][]*Subscription{},
		handlers: map[string]Handler{},
	}
}

var _ DistributedNetwork = (*Bus)(nil)

func (b *Bus) Publish(topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	b.mu.Lock()
	b.retained[topic] = append(b.retained[topic], msg)
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

func (b *Bus) Subscribe(topic string) (*Subscription, error) {
	sub := newSubscription(topic)
	b.mu.Lock()
	for _, m := range b.retained[topic] {
		sub.deliver(m)
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub, nil
}

// RegisterHandler installs the single server for a protocol. Registering a
// protocol twice is a wiring bug.
func (b *Bus) RegisterHandler(protocol string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[protocol]; dup {
		return fmt.Errorf("protocol %s already registered", protocol)
	}
	b.handlers[protocol] = h
	return nil
}

func (b *Bus) Request(ctx context.Context, protocol string, payload []byte) ([]byte, error) {
	b.mu.Lock()
	h := b.handlers[protocol]
	b.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolUnavailable, protocol)
	}

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h(payload)
		done <- result{resp: resp, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, &RequestFailedError{Code: "deadline", Message: ctx.Err().Error()}
	case res := <-done:
		if res.err != nil {
			return nil, &RequestFailedError{Code: "handler", Message: res.err.Error()}
		}
		return res.resp, nil
	}
}
