package natsx

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(name string) NatsxMiddleware {
		return func(next NatsxHandler) NatsxHandler {
			return func(ctx context.Context, msg NatsxMessage) error {
				trace = append(trace, name)
				return next(ctx, msg)
			}
		}
	}
	h := NatsxChain(func(ctx context.Context, msg NatsxMessage) error {
		trace = append(trace, "h")
		return nil
	}, mw("a"), mw("b"))
	_ = h(context.Background(), NatsxMessage{})
	if len(trace) != 3 || trace[0] != "a" || trace[1] != "b" || trace[2] != "h" {
		t.Fatalf("trace = %v", trace)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := NatsxChain(func(ctx context.Context, msg NatsxMessage) error {
		panic("boom")
	}, NatsxRecoverMiddleware())
	if err := h(context.Background(), NatsxMessage{}); err == nil {
		t.Fatalf("panic not converted to error")
	}
}

func TestIdemMiddlewareDropsRepeats(t *testing.T) {
	store := NewMemIdem(time.Minute)
	var calls int
	h := NatsxChain(func(ctx context.Context, msg NatsxMessage) error {
		calls++
		return nil
	}, NatsxIdemMiddleware(store, 0))

	m1 := NatsxMessage{Subject: "s", Header: map[string]string{HeaderMsgID: "m1"}}
	m2 := NatsxMessage{Subject: "s", Header: map[string]string{HeaderMsgID: "m2"}}
	for _, m := range []NatsxMessage{m1, m1, m2, m1} {
		_ = h(context.Background(), m)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestMemIdemExpires(t *testing.T) {
	store := NewMemIdem(time.Second)
	now := time.Unix(100, 0)
	store.now = func() time.Time { return now }
	if seen, _ := store.SeenOnce("k", 0); seen {
		t.Fatalf("first sighting reported seen")
	}
	if seen, _ := store.SeenOnce("k", 0); !seen {
		t.Fatalf("second sighting not seen")
	}
	now = now.Add(2 * time.Second)
	if seen, _ := store.SeenOnce("k", 0); seen {
		t.Fatalf("expired key still seen")
	}
}

func TestRouteValidation(t *testing.T) {
	c := newClient(NatsxConfig{}, nil)
	if err := c.RegisterRoute(NatsxRoute{Biz: "x"}); err == nil {
		t.Fatalf("route without subject accepted")
	}
	if err := NewNatsxProducer(c).Publish(context.Background(), "missing", nil, nil); err == nil {
		t.Fatalf("publish on unknown route accepted")
	}
	if err := NewNatsxConsumer(c).Subscribe("missing", nil); err == nil {
		t.Fatalf("subscribe on unknown route accepted")
	}
}

// needs a live server: CHATTY_TEST_NATS=nats://127.0.0.1:4222
func TestPublishSubscribeRoundTrip(t *testing.T) {
	url := os.Getenv("CHATTY_TEST_NATS")
	if url == "" {
		t.Skip("CHATTY_TEST_NATS not set")
	}
	c, err := NewNatsxClient(NatsxConfig{Servers: []string{url}, Name: "natsx-test"})
	if err != nil {
		t.Skipf("nats unreachable: %v", err)
	}
	defer c.Close()
	subject := "chatty.test." + time.Now().Format("150405.000000")
	if err := c.RegisterRoute(NatsxRoute{Biz: "t", Subject: subject}); err != nil {
		t.Fatalf("route: %v", err)
	}
	var got atomic.Int32
	done := make(chan struct{}, 1)
	err = NewNatsxConsumer(c, NatsxRecoverMiddleware()).Subscribe("t", func(ctx context.Context, msg NatsxMessage) error {
		if string(msg.Data) != "hello" || msg.Header["X-Test"] != "1" {
			return errors.New("unexpected message")
		}
		got.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = c.Flush()
	if err := NewNatsxProducer(c).Publish(context.Background(), "t", []byte("hello"), map[string]string{"X-Test": "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("message not received")
	}
	if got.Load() != 1 {
		t.Fatalf("got %d", got.Load())
	}
}
