package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/anvil-platform/conduit/modules/nats-plugin/bus"
	"github.com/anvil-platform/conduit/plugin"
)

// fakeBus routes published messages to subscribers of the same subject.
type fakeBus struct {
	mu        sync.Mutex
	published []*bus.Msg
	subs      map[string][]*fakeSub
	closed    bool
}

type fakeSub struct {
	ch   chan *bus.Msg
	once sync.Once
}

func (s *fakeSub) C() <-chan *bus.Msg { return s.ch }

func (s *fakeSub) Unsubscribe() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (b *fakeBus) Publish(_ context.Context, msg *bus.Msg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	for _, s := range b.subs[msg.Subject] {
		s.ch <- msg
	}
	return nil
}

func (b *fakeBus) Subscribe(subject, _ string) (bus.Subscription, error) {
	if subject == "forbidden" {
		return nil, errors.New("permissions violation")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &fakeSub{ch: make(chan *bus.Msg, 8)}
	if b.subs == nil {
		b.subs = map[string][]*fakeSub{}
	}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func newTestComponent(t *testing.T) (*natsComponent, *fakeBus, *[]string) {
	fb := &fakeBus{}
	var dialed []string
	c := newNATSComponent("nats://default:4222", func(url string) (bus.Conn, error) {
		dialed = append(dialed, url)
		return fb, nil
	}, testr.New(t))
	return c, fb, &dialed
}

func TestEndpointParsing(t *testing.T) {
	c, _, _ := newTestComponent(t)
	ep, err := c.Endpoint("nats:orders.created?queue=workers&url=nats://other:4222")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	e := ep.(*natsEndpoint)
	if e.subject != "orders.created" || e.queue != "workers" || e.url != "nats://other:4222" {
		t.Fatalf("unexpected endpoint %+v", e)
	}
	ep, _ = c.Endpoint("nats://orders")
	if e := ep.(*natsEndpoint); e.subject != "orders" || e.url != "nats://default:4222" {
		t.Fatalf("unexpected endpoint %+v", e)
	}
	if _, err := c.Endpoint("nats:"); !errors.Is(err, plugin.ErrMalformedURI) {
		t.Fatalf("expected ErrMalformedURI, got %v", err)
	}
}

func TestSendAndConsume(t *testing.T) {
	c, fb, dialed := newTestComponent(t)
	src, _ := c.Endpoint("nats:orders")
	sink, _ := c.Endpoint("nats:orders")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := src.(plugin.Starter).Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := make(chan *plugin.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- src.(plugin.Consumer).Consume(ctx, plugin.ProcessorFunc(func(_ context.Context, m *plugin.Message) error {
			got <- m
			return nil
		}))
	}()

	msg := plugin.NewMessage([]byte("order 42"))
	msg.SetHeader("priority", 7)
	msg.SetHeader(ReplyHeader, "_INBOX.1")
	if err := sink.(plugin.Producer).Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if string(m.Body) != "order 42" || m.ID != msg.ID {
			t.Fatalf("received %+v", m)
		}
		if v, _ := m.Header("priority"); v != "7" {
			t.Errorf("priority = %q", v)
		}
		if v, _ := m.Header(SubjectHeader); v != "orders" {
			t.Errorf("subject header = %q", v)
		}
		if v, _ := m.Header(ReplyHeader); v != "_INBOX.1" {
			t.Errorf("reply header = %q", v)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
	if fb.published[0].Reply != "_INBOX.1" {
		t.Errorf("reply subject not set on the bus message")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(*dialed) != 1 {
		t.Fatalf("dialed %v, want one shared connection", *dialed)
	}
	if err := c.Close(); err != nil || !fb.closed {
		t.Fatalf("Close: %v, closed=%v", err, fb.closed)
	}
}

func TestStartFailsOnSubscribeError(t *testing.T) {
	c, _, _ := newTestComponent(t)
	ep, _ := c.Endpoint("nats:forbidden")
	if err := ep.(plugin.Starter).Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
}

func TestConsumeEndsWhenSubscriptionCloses(t *testing.T) {
	c, fb, _ := newTestComponent(t)
	ep, _ := c.Endpoint("nats:orders")
	if err := ep.(plugin.Starter).Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = fb.subs["orders"][0].Unsubscribe()
	err := ep.(plugin.Consumer).Consume(context.Background(), plugin.ProcessorFunc(func(context.Context, *plugin.Message) error { return nil }))
	if err == nil {
		t.Fatal("expected an error once the subscription closed")
	}
}
