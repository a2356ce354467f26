package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/conduit/modules/nats-plugin/bus"
	"github.com/anvil-platform/conduit/plugin"
)

const (
	// SubjectHeader carries the subject a consumed message arrived on.
	SubjectHeader = "natsSubject"
	// ReplyHeader carries the reply subject of a consumed message; set it on a
	// produced message to request a reply.
	ReplyHeader = "natsReplyTo"
	// MessageIDHeader carries the message ID across the bus.
	MessageIDHeader = "Conduit-Message-Id"
)

type dialFunc func(url string) (bus.Conn, error)

// natsComponent serves "nats:<subject>[?queue=<group>][&url=<server>]".
// Connections are shared per server URL.
type natsComponent struct {
	defaultURL string
	dial       dialFunc
	log        logr.Logger

	mu    sync.Mutex
	conns map[string]bus.Conn
}

func newNATSComponent(defaultURL string, dial dialFunc, logger logr.Logger) *natsComponent {
	return &natsComponent{defaultURL: defaultURL, dial: dial, log: logger, conns: map[string]bus.Conn{}}
}

func (c *natsComponent) Scheme() string { return "nats" }

func (c *natsComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	_, rest, err := plugin.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	subject, q, err := plugin.ParseRest(rest)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: nats endpoint needs a subject: %q", plugin.ErrMalformedURI, uri)
	}
	url := q.Get("url")
	if url == "" {
		url = c.defaultURL
	}
	return &natsEndpoint{
		uri:       uri,
		subject:   subject,
		queue:     q.Get("queue"),
		url:       url,
		component: c,
		log:       c.log.WithValues("subject", subject),
	}, nil
}

func (c *natsComponent) conn(url string) (bus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[url]; ok {
		return conn, nil
	}
	conn, err := c.dial(url)
	if err != nil {
		return nil, err
	}
	c.conns[url] = conn
	return conn, nil
}

// Close drains every connection.
func (c *natsComponent) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for url, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", url, err)
		}
		delete(c.conns, url)
	}
	return first
}

type natsEndpoint struct {
	uri       string
	subject   string
	queue     string
	url       string
	component *natsComponent
	log       logr.Logger

	mu  sync.Mutex
	sub bus.Subscription
}

func (e *natsEndpoint) URI() string { return e.uri }

func (e *natsEndpoint) Send(ctx context.Context, msg *plugin.Message) error {
	conn, err := e.component.conn(e.url)
	if err != nil {
		return err
	}
	return conn.Publish(ctx, toBus(e.subject, msg))
}

// Start subscribes, so a bad server or subject fails the route's start.
func (e *natsEndpoint) Start(context.Context) error {
	conn, err := e.component.conn(e.url)
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(e.subject, e.queue)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

func (e *natsEndpoint) Consume(ctx context.Context, next plugin.Processor) error {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if sub == nil {
		if err := e.Start(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		sub = e.sub
		e.mu.Unlock()
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			e.log.Error(err, "unsubscribe")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("subscription to %s closed", e.subject)
			}
			if err := next.Process(ctx, fromBus(m)); err != nil {
				return err
			}
		}
	}
}

func toBus(subject string, msg *plugin.Message) *bus.Msg {
	out := &bus.Msg{Subject: subject, Data: msg.Body, Header: map[string][]string{}}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := msg.Header(k)
		if k == ReplyHeader {
			out.Reply = v
			continue
		}
		out.Header[k] = []string{v}
	}
	if msg.ID != "" {
		out.Header[MessageIDHeader] = []string{msg.ID}
	}
	return out
}

func fromBus(m *bus.Msg) *plugin.Message {
	msg := plugin.NewMessage(m.Data)
	for k, vs := range m.Header {
		if len(vs) == 0 {
			continue
		}
		if k == MessageIDHeader {
			msg.ID = vs[0]
			continue
		}
		msg.SetHeader(k, vs[0])
	}
	msg.SetHeader(SubjectHeader, m.Subject)
	if m.Reply != "" {
		msg.SetHeader(ReplyHeader, m.Reply)
	}
	return msg
}
