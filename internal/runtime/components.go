package runtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/anvil-platform/conduit/plugin"
)

// endpointName parses "scheme:name?query" and rejects an empty name.
func endpointName(uri string) (string, map[string][]string, error) {
	_, rest, err := plugin.SplitURI(uri)
	if err != nil {
		return "", nil, err
	}
	name, q, err := plugin.ParseRest(rest)
	if err != nil {
		return "", nil, err
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: %q has no name", plugin.ErrMalformedURI, uri)
	}
	return name, q, nil
}

// direct: synchronous hand-off to the single consumer of a name.

type directComponent struct {
	mu       sync.Mutex
	channels map[string]*directChannel
}

type directChannel struct {
	claimed bool
	ready   chan struct{}
	next    plugin.Processor
}

func newDirectComponent(*Context) plugin.Component {
	return &directComponent{channels: map[string]*directChannel{}}
}

func (d *directComponent) Scheme() string { return "direct" }

func (d *directComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	name, _, err := endpointName(uri)
	if err != nil {
		return nil, err
	}
	return &directEndpoint{uri: uri, name: name, comp: d}, nil
}

func (d *directComponent) claim(name string) (*directChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[name]
	if !ok {
		ch = &directChannel{ready: make(chan struct{})}
		d.channels[name] = ch
	}
	if ch.claimed {
		return nil, fmt.Errorf("direct:%s already has a consumer", name)
	}
	ch.claimed = true
	return ch, nil
}

type directEndpoint struct {
	uri  string
	name string
	comp *directComponent
	ch   *directChannel
}

func (e *directEndpoint) URI() string { return e.uri }

// Start claims the name so that producers started alongside see a consumer.
func (e *directEndpoint) Start(context.Context) error {
	ch, err := e.comp.claim(e.name)
	if err != nil {
		return err
	}
	e.ch = ch
	return nil
}

func (e *directEndpoint) Consume(ctx context.Context, next plugin.Processor) error {
	if e.ch == nil {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}
	e.comp.mu.Lock()
	e.ch.next = next
	close(e.ch.ready)
	e.comp.mu.Unlock()

	<-ctx.Done()

	e.comp.mu.Lock()
	delete(e.comp.channels, e.name)
	e.comp.mu.Unlock()
	e.ch = nil
	return nil
}

func (e *directEndpoint) Send(ctx context.Context, msg *plugin.Message) error {
	e.comp.mu.Lock()
	ch, ok := e.comp.channels[e.name]
	e.comp.mu.Unlock()
	if !ok || !ch.claimed {
		return fmt.Errorf("no consumer on %s", e.uri)
	}
	select {
	case <-ch.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return ch.next.Process(ctx, msg)
}

// seda: buffered asynchronous queue per name.

const defaultSedaSize = 1000

type sedaComponent struct {
	mu     sync.Mutex
	queues map[string]chan *plugin.Message
}

func newSedaComponent(*Context) plugin.Component {
	return &sedaComponent{queues: map[string]chan *plugin.Message{}}
}

func (s *sedaComponent) Scheme() string { return "seda" }

func (s *sedaComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	name, q, err := endpointName(uri)
	if err != nil {
		return nil, err
	}
	size := defaultSedaSize
	if v := first(q, "size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size <= 0 {
			return nil, fmt.Errorf("seda size %q must be a positive integer", v)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[name]
	if !ok {
		queue = make(chan *plugin.Message, size)
		s.queues[name] = queue
	}
	return &sedaEndpoint{uri: uri, queue: queue}, nil
}

type sedaEndpoint struct {
	uri   string
	queue chan *plugin.Message
}

func (e *sedaEndpoint) URI() string { return e.uri }

// Send enqueues a copy; it blocks while the queue is full.
func (e *sedaEndpoint) Send(ctx context.Context, msg *plugin.Message) error {
	select {
	case e.queue <- msg.Copy():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *sedaEndpoint) Consume(ctx context.Context, next plugin.Processor) error {
	logger := log.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-e.queue:
			if err := next.Process(ctx, msg); err != nil {
				logger.Error(err, "processing failed", "endpoint", e.uri, "message", msg.ID)
			}
		}
	}
}

// log: writes every message to the context logger.

type logComponent struct {
	ctx *Context
}

func newLogComponent(c *Context) plugin.Component { return &logComponent{ctx: c} }

func (l *logComponent) Scheme() string { return "log" }

func (l *logComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	name, q, err := endpointName(uri)
	if err != nil {
		return nil, err
	}
	verbosity := 0
	switch level := first(q, "level"); level {
	case "", "info":
	case "debug":
		verbosity = 1
	case "trace":
		verbosity = 2
	default:
		return nil, fmt.Errorf("log level %q must be info, debug or trace", level)
	}
	return &logEndpoint{uri: uri, name: name, verbosity: verbosity, ctx: l.ctx, showBody: first(q, "showBody") != "false"}, nil
}

type logEndpoint struct {
	uri       string
	name      string
	verbosity int
	showBody  bool
	ctx       *Context
}

func (e *logEndpoint) URI() string { return e.uri }

func (e *logEndpoint) Send(ctx context.Context, msg *plugin.Message) error {
	logger := e.ctx.logger(ctx)
	kv := []any{"endpoint", e.name, "message", msg.ID, "headers", msg.Headers}
	if e.showBody {
		kv = append(kv, "body", string(msg.Body))
	}
	logger.V(e.verbosity).Info("exchange", kv...)
	return nil
}

// stub: accepts everything, produces nothing.

type stubComponent struct{}

func newStubComponent(*Context) plugin.Component { return stubComponent{} }

func (stubComponent) Scheme() string { return "stub" }

func (stubComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	if _, _, err := endpointName(uri); err != nil {
		return nil, err
	}
	return stubEndpoint(uri), nil
}

type stubEndpoint string

func (e stubEndpoint) URI() string { return string(e) }

func (stubEndpoint) Send(context.Context, *plugin.Message) error { return nil }

func (stubEndpoint) Consume(ctx context.Context, _ plugin.Processor) error {
	<-ctx.Done()
	return nil
}

func first(q map[string][]string, key string) string {
	if v := q[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
