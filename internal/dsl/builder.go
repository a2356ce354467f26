package dsl

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
)

// Builder assembles a Pipeline in code. It is the native form of the three
// equivalent encodings; XML and YAML documents parse to the same spec.
//
//	b := dsl.NewBuilder("orders")
//	b.Route("ingest").From("timer:tick").Marshal("csv").To("aws2-s3:archive")
//	p, err := b.Build()
type Builder struct {
	name      string
	routes    []*Steps
	routeIDs  []string
	templates []conduitv1alpha1.Template
	tplSteps  []*Steps
	beans     []conduitv1alpha1.Bean
}

// Steps accumulates the steps of a route, template or branch.
type Steps struct {
	steps []conduitv1alpha1.Step
}

// ChoiceBuilder collects the branches of a Choice step.
type ChoiceBuilder struct {
	choice conduitv1alpha1.ChoiceStep
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Route starts a new route and returns its step list.
func (b *Builder) Route(id string) *Steps {
	s := &Steps{}
	b.routes = append(b.routes, s)
	b.routeIDs = append(b.routeIDs, id)
	return s
}

// Template declares a reusable sub-graph. fn fills its steps.
func (b *Builder) Template(id string, params []conduitv1alpha1.TemplateParameter, fn func(*Steps)) *Builder {
	s := &Steps{}
	if fn != nil {
		fn(s)
	}
	b.templates = append(b.templates, conduitv1alpha1.Template{ID: id, Parameters: params})
	b.tplSteps = append(b.tplSteps, s)
	return b
}

func (b *Builder) Bean(name, uri string) *Builder {
	b.beans = append(b.beans, conduitv1alpha1.Bean{Name: name, URI: uri})
	return b
}

// BeanWithProperties declares a bean carrying construction properties.
func (b *Builder) BeanWithProperties(name, uri string, props map[string]string) *Builder {
	b.beans = append(b.beans, conduitv1alpha1.Bean{Name: name, URI: uri, Properties: props})
	return b
}

// Build returns the normalized, validated pipeline.
func (b *Builder) Build() (*conduitv1alpha1.Pipeline, error) {
	p := &conduitv1alpha1.Pipeline{
		TypeMeta: metav1.TypeMeta{
			APIVersion: conduitv1alpha1.GroupVersion.String(),
			Kind:       conduitv1alpha1.PipelineKind,
		},
		ObjectMeta: metav1.ObjectMeta{Name: b.name},
	}
	for i, s := range b.routes {
		p.Spec.Routes = append(p.Spec.Routes, conduitv1alpha1.Route{ID: b.routeIDs[i], Steps: s.steps})
	}
	for i, t := range b.templates {
		t.Steps = b.tplSteps[i].steps
		p.Spec.Templates = append(p.Spec.Templates, t)
	}
	p.Spec.Beans = b.beans
	p.Spec.Normalize()
	if err := p.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", b.name, err)
	}
	return p, nil
}

// Param declares a template parameter without a default.
func Param(name string) conduitv1alpha1.TemplateParameter {
	return conduitv1alpha1.TemplateParameter{Name: name}
}

// ParamDefault declares a template parameter with a default value.
func ParamDefault(name, def string) conduitv1alpha1.TemplateParameter {
	return conduitv1alpha1.TemplateParameter{Name: name, Default: &def}
}

func (s *Steps) From(uri string) *Steps {
	return s.endpoint(uri, conduitv1alpha1.EndpointRoleSource)
}

func (s *Steps) To(uri string) *Steps {
	return s.endpoint(uri, conduitv1alpha1.EndpointRoleSink)
}

func (s *Steps) endpoint(uri string, role conduitv1alpha1.EndpointRole) *Steps {
	s.steps = append(s.steps, conduitv1alpha1.Step{Endpoint: &conduitv1alpha1.EndpointStep{URI: uri, Role: role}})
	return s
}

func (s *Steps) Marshal(library string) *Steps {
	return s.codec(library, conduitv1alpha1.CodecMarshal)
}

func (s *Steps) Unmarshal(library string) *Steps {
	return s.codec(library, conduitv1alpha1.CodecUnmarshal)
}

func (s *Steps) codec(library string, op conduitv1alpha1.CodecOperation) *Steps {
	s.steps = append(s.steps, conduitv1alpha1.Step{Codec: &conduitv1alpha1.CodecStep{Library: library, Operation: op}})
	return s
}

// Process invokes the bean bound under ref.
func (s *Steps) Process(ref string) *Steps {
	s.steps = append(s.steps, conduitv1alpha1.Step{Processor: &conduitv1alpha1.ProcessorRef{Ref: ref}})
	return s
}

// ProcessURI invokes a bean built from a scheme-qualified resource.
func (s *Steps) ProcessURI(ref, uri string) *Steps {
	s.steps = append(s.steps, conduitv1alpha1.Step{Processor: &conduitv1alpha1.ProcessorRef{Ref: ref, URI: uri}})
	return s
}

func (s *Steps) Include(template string, params map[string]string) *Steps {
	s.steps = append(s.steps, conduitv1alpha1.Step{Include: &conduitv1alpha1.IncludeStep{Template: template, Parameters: params}})
	return s
}

// Choice appends a conditional step. fn declares its branches.
func (s *Steps) Choice(fn func(*ChoiceBuilder)) *Steps {
	c := &ChoiceBuilder{}
	fn(c)
	choice := c.choice
	s.steps = append(s.steps, conduitv1alpha1.Step{Choice: &choice})
	return s
}

func (c *ChoiceBuilder) When(expression string, fn func(*Steps)) *ChoiceBuilder {
	s := &Steps{}
	fn(s)
	c.choice.When = append(c.choice.When, conduitv1alpha1.WhenBranch{Expression: expression, Steps: s.steps})
	return c
}

func (c *ChoiceBuilder) Otherwise(fn func(*Steps)) *ChoiceBuilder {
	s := &Steps{}
	fn(s)
	c.choice.Otherwise = s.steps
	return c
}
