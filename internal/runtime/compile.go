package runtime

import (
	"context"
	"fmt"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/plugin"
)

type route struct {
	id       string
	source   plugin.Consumer
	pipeline plugin.Processor
}

// pipeline runs its processors in order on the same message.
type pipeline []plugin.Processor

func (p pipeline) Process(ctx context.Context, msg *plugin.Message) error {
	for _, step := range p {
		if err := step.Process(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) compileRoute(r conduitv1alpha1.Route) (*route, error) {
	if len(r.Steps) == 0 || r.Steps[0].Endpoint == nil {
		return nil, fmt.Errorf("first step must be a source endpoint")
	}
	uri, err := dsl.Substitute(r.Steps[0].Endpoint.URI, c.props)
	if err != nil {
		return nil, err
	}
	ep, err := c.Endpoint(uri)
	if err != nil {
		return nil, err
	}
	source, ok := ep.(plugin.Consumer)
	if !ok {
		return nil, fmt.Errorf("endpoint %s cannot be a route source", uri)
	}
	p, err := c.compileSteps(r.Steps[1:])
	if err != nil {
		return nil, err
	}
	return &route{id: r.ID, source: source, pipeline: p}, nil
}

func (c *Context) compileSteps(steps []conduitv1alpha1.Step) (pipeline, error) {
	out := make(pipeline, 0, len(steps))
	for i, st := range steps {
		p, err := c.compileStep(st)
		if err != nil {
			return nil, fmt.Errorf("step[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Context) compileStep(st conduitv1alpha1.Step) (plugin.Processor, error) {
	switch st.Kind() {
	case conduitv1alpha1.StepKindEndpoint:
		return c.compileSink(st.Endpoint.URI)
	case conduitv1alpha1.StepKindCodec:
		codec, ok := c.Codec(st.Codec.Library)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, st.Codec.Library)
		}
		if st.Codec.Operation == conduitv1alpha1.CodecUnmarshal {
			return plugin.ProcessorFunc(codec.Unmarshal), nil
		}
		return plugin.ProcessorFunc(codec.Marshal), nil
	case conduitv1alpha1.StepKindChoice:
		return c.compileChoice(st.Choice)
	case conduitv1alpha1.StepKindProcessor:
		return c.compileProcessor(st.Processor)
	case conduitv1alpha1.StepKindInclude:
		return nil, fmt.Errorf("include of %q was not expanded", st.Include.Template)
	default:
		return nil, fmt.Errorf("step holds no single variant")
	}
}

func (c *Context) compileSink(rawURI string) (plugin.Processor, error) {
	uri, err := dsl.Substitute(rawURI, c.props)
	if err != nil {
		return nil, err
	}
	scheme, rest, err := plugin.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if isContextScheme(scheme) {
		name, _, err := plugin.ParseRest(rest)
		if err != nil {
			return nil, err
		}
		return c.beanRef(name)
	}
	ep, err := c.Endpoint(uri)
	if err != nil {
		return nil, err
	}
	producer, ok := ep.(plugin.Producer)
	if !ok {
		return nil, fmt.Errorf("endpoint %s cannot receive messages", uri)
	}
	return plugin.ProcessorFunc(producer.Send), nil
}

func (c *Context) compileProcessor(ref *conduitv1alpha1.ProcessorRef) (plugin.Processor, error) {
	if _, ok := c.Lookup(ref.Ref); !ok && ref.URI != "" {
		p, err := c.buildBean(ref.URI, nil)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", ref.Ref, err)
		}
		c.Bind(ref.Ref, p)
	}
	return c.beanRef(ref.Ref)
}

// beanRef resolves the bean when the message arrives, so rebinding a name
// takes effect on running routes. The name must be bound at compile time.
func (c *Context) beanRef(name string) (plugin.Processor, error) {
	if _, ok := c.Lookup(name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBean, name)
	}
	return plugin.ProcessorFunc(func(ctx context.Context, msg *plugin.Message) error {
		p, ok := c.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownBean, name)
		}
		return p.Process(ctx, msg)
	}), nil
}

type whenBranch struct {
	predicate Predicate
	steps     pipeline
}

type choice struct {
	when      []whenBranch
	otherwise pipeline
}

func (c *Context) compileChoice(ch *conduitv1alpha1.ChoiceStep) (plugin.Processor, error) {
	out := &choice{}
	for i, w := range ch.When {
		pred, err := CompilePredicate(dsl.SubstituteKnown(w.Expression, c.props))
		if err != nil {
			return nil, fmt.Errorf("when[%d]: %w", i, err)
		}
		steps, err := c.compileSteps(w.Steps)
		if err != nil {
			return nil, fmt.Errorf("when[%d]: %w", i, err)
		}
		out.when = append(out.when, whenBranch{predicate: pred, steps: steps})
	}
	otherwise, err := c.compileSteps(ch.Otherwise)
	if err != nil {
		return nil, fmt.Errorf("otherwise: %w", err)
	}
	out.otherwise = otherwise
	return out, nil
}

// Process runs the first branch whose predicate holds, else otherwise.
func (ch *choice) Process(ctx context.Context, msg *plugin.Message) error {
	for _, w := range ch.when {
		if w.predicate(msg) {
			return w.steps.Process(ctx, msg)
		}
	}
	return ch.otherwise.Process(ctx, msg)
}
