package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBusRetainsForLateSubscribers(t *testing.T) {
	bus := NewBus()
	if err := bus.Publish("t/a", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish("t/a", []byte("two")); err != nil {
		t.Fatal(err)
	}

	sub, err := bus.Subscribe("t/a")
	if err != nil {
		t.Fatal(err)
	}
	got := sub.Drain()
	if len(got) != 2 || string(got[0].Payload) != "one" || string(got[1].Payload) != "two" {
		t.Fatalf("drained = %v", got)
	}

	// Future messages stream too.
	if err := bus.Publish("t/a", []byte("three")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-sub.C():
		if string(m.Payload) != "three" {
			t.Fatalf("payload = %q", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestBusRequestResponse(t *testing.T) {
	bus := NewBus()
	err := bus.RegisterHandler("/test/echo/1.0.0", func(p []byte) ([]byte, error) {
		return append([]byte("echo:"), p...), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.RegisterHandler("/test/echo/1.0.0", nil); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	resp, err := bus.Request(context.Background(), "/test/echo/1.0.0", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "echo:hi" {
		t.Fatalf("resp = %q", resp)
	}

	_, err = bus.Request(context.Background(), "/test/missing/1.0.0", nil)
	if !errors.Is(err, ErrProtocolUnavailable) {
		t.Fatalf("err = %v", err)
	}

	_ = bus.RegisterHandler("/test/fail/1.0.0", func([]byte) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	})
	_, err = bus.Request(context.Background(), "/test/fail/1.0.0", nil)
	var rf *RequestFailedError
	if !errors.As(err, &rf) || !strings.Contains(rf.Message, "boom") {
		t.Fatalf("err = %v", err)
	}
}

func TestBusRequestDeadline(t *testing.T) {
	bus := NewBus()
	_ = bus.RegisterHandler("/test/slow/1.0.0", func([]byte) ([]byte, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, "/test/slow/1.0.0", nil)
	var rf *RequestFailedError
	if !errors.As(err, &rf) || rf.Code != "deadline" {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscriptionShedsOldestWhenFull(t *testing.T) {
	sub := newSubscription("t")
	for i := 0; i < subscriptionBuffer+10; i++ {
		sub.deliver(Message{Topic: "t", Payload: []byte{byte(i)}})
	}
	got := sub.Drain()
	if len(got) != subscriptionBuffer {
		t.Fatalf("buffered %d, want %d", len(got), subscriptionBuffer)
	}
	// The oldest ten were shed.
	if got[0].Payload[0] != 10 {
		t.Fatalf("first buffered = %d", got[0].Payload[0])
	}
}

func TestWSTransportRoundTrip(t *testing.T) {
	bus := NewBus()
	_ = bus.RegisterHandler("/test/add/1.0.0", func(p []byte) ([]byte, error) {
		return append(p, '!'), nil
	})
	srv := httptest.NewServer(NewWSServer(bus, zerolog.Nop()).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWS(url, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Request through the transport.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, "/test/add/1.0.0", []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte("ping!")) {
		t.Fatalf("resp = %q", resp)
	}

	// Failed protocol surfaces as RequestFailedError.
	_, err = client.Request(ctx, "/test/none/1.0.0", nil)
	var rf *RequestFailedError
	if !errors.As(err, &rf) {
		t.Fatalf("err = %v", err)
	}

	// Subscribe, then publish from another client path.
	sub, err := client.Subscribe("t/ws")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Publish("t/ws", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-sub.C():
		if string(m.Payload) != "hello" {
			t.Fatalf("payload = %q", m.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered over ws")
	}
}
