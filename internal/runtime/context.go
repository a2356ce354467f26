// Package runtime executes pipelines: it holds the component, codec and bean
// registries of one run, compiles routes and drives their consumers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/discovery"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/plugin"
)

var (
	ErrUnknownComponent = errors.New("no component registered for scheme")
	ErrUnknownCodec     = errors.New("no codec registered")
	ErrUnknownBean      = errors.New("no bean bound")
	ErrAlreadyStarted   = errors.New("context already started")
)

type Options struct {
	// Name labels log lines and metrics.
	Name string
	// Logger defaults to the logger carried by the context passed to Start.
	Logger logr.Logger
	// Clock drives timer endpoints. Defaults to the real clock.
	Clock clock.WithTicker
	// Properties resolve {{name}} placeholders in endpoint and bean URIs.
	Properties map[string]string
}

// Context is the runtime state of one pipeline run.
type Context struct {
	name  string
	log   logr.Logger
	clock clock.WithTicker
	props map[string]string

	mu         sync.RWMutex
	components map[string]plugin.Component
	codecs     map[string]plugin.Codec
	beans      map[string]plugin.Processor
	endpoints  map[string]plugin.Endpoint
	routes     []*route
	started    bool
	err        error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeDone sync.Once
}

// New returns a context with every builtin component and codec registered.
func New(opts Options) *Context {
	c := &Context{
		name:       opts.Name,
		log:        opts.Logger,
		clock:      opts.Clock,
		props:      opts.Properties,
		components: map[string]plugin.Component{},
		codecs:     map[string]plugin.Codec{},
		beans:      map[string]plugin.Processor{},
		endpoints:  map[string]plugin.Endpoint{},
		done:       make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	for _, scheme := range BuiltinComponentSchemes() {
		c.components[scheme] = builtinComponents[scheme](c)
	}
	for _, name := range BuiltinCodecNames() {
		codec := builtinCodecs[name]()
		c.codecs[codec.Name()] = codec
	}
	return c
}

func (c *Context) Name() string { return c.name }

func (c *Context) logger(ctx context.Context) logr.Logger {
	if c.log.GetSink() != nil {
		return c.log
	}
	return log.FromContext(ctx)
}

// AddComponent registers a component. Schemes are unique per context; bean
// and ref belong to the context itself.
func (c *Context) AddComponent(comp plugin.Component) error {
	scheme := comp.Scheme()
	if isContextScheme(scheme) {
		return fmt.Errorf("scheme %q is reserved", scheme)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.components[scheme]; ok {
		return fmt.Errorf("component for scheme %q already registered", scheme)
	}
	c.components[scheme] = comp
	return nil
}

func (c *Context) AddCodec(codec plugin.Codec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.codecs[codec.Name()]; ok {
		return fmt.Errorf("codec %q already registered", codec.Name())
	}
	c.codecs[codec.Name()] = codec
	return nil
}

// Bind registers p under name in the bean registry, replacing any previous
// binding.
func (c *Context) Bind(name string, p plugin.Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beans[name] = p
}

// Lookup returns the bean bound under name.
func (c *Context) Lookup(name string) (plugin.Processor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.beans[name]
	return p, ok
}

func (c *Context) Component(scheme string) (plugin.Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[scheme]
	return comp, ok
}

func (c *Context) Codec(name string) (plugin.Codec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	codec, ok := c.codecs[name]
	return codec, ok
}

// Endpoint returns the endpoint for uri, creating it on first use. Equal URIs
// share one endpoint instance.
func (c *Context) Endpoint(uri string) (plugin.Endpoint, error) {
	scheme, _, err := plugin.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if isContextScheme(scheme) {
		return nil, fmt.Errorf("%s: %s endpoints are resolved through the bean registry", uri, scheme)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.endpoints[uri]; ok {
		return ep, nil
	}
	comp, ok := c.components[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, scheme)
	}
	ep, err := comp.Endpoint(uri)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", uri, err)
	}
	c.endpoints[uri] = ep
	return ep, nil
}

// Mock returns the mock endpoint registered under name, for assertions.
func (c *Context) Mock(name string) (*MockEndpoint, error) {
	ep, err := c.Endpoint("mock:" + name)
	if err != nil {
		return nil, err
	}
	return ep.(*MockEndpoint), nil
}

// LoadSpec checks that every scheme, codec and bean the spec references is
// available and compiles its routes. It can be called once per context,
// before Start.
func (c *Context) LoadSpec(spec *conduitv1alpha1.PipelineSpec) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		return ErrAlreadyStarted
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	expanded, err := discovery.Expand(spec)
	if err != nil {
		return err
	}
	for _, b := range expanded.Beans {
		if err := c.loadBean(b); err != nil {
			return err
		}
	}
	routes := make([]*route, 0, len(expanded.Routes))
	for _, r := range expanded.Routes {
		compiled, err := c.compileRoute(r)
		if err != nil {
			return fmt.Errorf("route %q: %w", r.ID, err)
		}
		routes = append(routes, compiled)
	}
	c.mu.Lock()
	c.routes = append(c.routes, routes...)
	c.mu.Unlock()
	return nil
}

func (c *Context) loadBean(b conduitv1alpha1.Bean) error {
	if _, ok := c.Lookup(b.Name); ok {
		// Host singletons take precedence over declarations.
		return nil
	}
	if b.URI == "" {
		return fmt.Errorf("bean %q: %w and no uri to build it from", b.Name, ErrUnknownBean)
	}
	p, err := c.buildBean(b.URI, b.Properties)
	if err != nil {
		return fmt.Errorf("bean %q: %w", b.Name, err)
	}
	c.Bind(b.Name, p)
	return nil
}

func (c *Context) buildBean(rawURI string, props map[string]string) (plugin.Processor, error) {
	uri, err := dsl.Substitute(rawURI, c.props)
	if err != nil {
		return nil, err
	}
	scheme, _, err := plugin.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	comp, ok := c.Component(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, scheme)
	}
	factory, ok := comp.(plugin.BeanFactory)
	if !ok {
		return nil, fmt.Errorf("component %q cannot build beans", scheme)
	}
	return factory.NewBean(uri, props)
}

// Start prepares every route's consumer and then runs each on its own
// goroutine. It returns once all routes run or the first one fails to start;
// in the latter case nothing keeps running.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	routes := append([]*route(nil), c.routes...)
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	logger := c.logger(ctx).WithValues("pipeline", c.name)
	for _, r := range routes {
		if s, ok := r.source.(plugin.Starter); ok {
			if err := s.Start(runCtx); err != nil {
				cancel()
				c.finish()
				return fmt.Errorf("start route %q: %w", r.id, err)
			}
		}
	}
	for _, r := range routes {
		c.wg.Add(1)
		go c.run(runCtx, logger.WithValues("route", r.id), r)
	}
	go func() {
		c.wg.Wait()
		c.finish()
	}()
	logger.Info("pipeline started", "routes", len(routes))
	return nil
}

func (c *Context) run(ctx context.Context, logger logr.Logger, r *route) {
	defer c.wg.Done()
	err := r.source.Consume(log.IntoContext(ctx, logger), r.pipeline)
	switch {
	case err != nil && ctx.Err() == nil:
		logger.Error(err, "route failed")
		c.fail(fmt.Errorf("route %q: %w", r.id, err))
	case ctx.Err() == nil:
		logger.V(1).Info("route completed")
	}
}

// fail records the first post-start failure and stops every route.
func (c *Context) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Context) finish() {
	c.closeDone.Do(func() { close(c.done) })
}

// Stop requests every route to stop. It does not wait; see Done.
func (c *Context) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.started = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !started {
		c.finish()
	}
}

// Done is closed once every route has returned.
func (c *Context) Done() <-chan struct{} { return c.done }

// Err returns the first failure after start, or nil.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Routes returns the ids of the compiled routes.
func (c *Context) Routes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.routes))
	for _, r := range c.routes {
		ids = append(ids, r.id)
	}
	return ids
}
