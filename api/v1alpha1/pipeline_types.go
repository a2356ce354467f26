package v1alpha1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Pipeline declares a graph of routes whose steps name capabilities.
//
// A Pipeline can be written in the native builder form (internal/dsl), as a
// tag-structured XML document or as a block-structured YAML/JSON manifest.
// All three normalize to the same PipelineSpec.
type Pipeline struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PipelineSpec   `json:"spec"`
	Status PipelineStatus `json:"status,omitempty"`
}

type PipelineSpec struct {
	Routes    []Route    `json:"routes,omitempty"`
	Templates []Template `json:"templates,omitempty"`
	Beans     []Bean     `json:"beans,omitempty"`
}

// Route is one named chain of steps. The first step is the route's source.
type Route struct {
	ID    string `json:"id"`
	Steps []Step `json:"steps,omitempty"`
}

type StepKind string

const (
	StepKindEndpoint  StepKind = "endpoint"
	StepKindCodec     StepKind = "codec"
	StepKindChoice    StepKind = "choice"
	StepKindProcessor StepKind = "processor"
	StepKindInclude   StepKind = "include"
)

// Step is a tagged variant: exactly one field is set.
type Step struct {
	Endpoint  *EndpointStep `json:"endpoint,omitempty"`
	Codec     *CodecStep    `json:"codec,omitempty"`
	Choice    *ChoiceStep   `json:"choice,omitempty"`
	Processor *ProcessorRef `json:"processor,omitempty"`
	Include   *IncludeStep  `json:"include,omitempty"`
}

type EndpointRole string

const (
	EndpointRoleSource EndpointRole = "source"
	EndpointRoleSink   EndpointRole = "sink"
)

type EndpointStep struct {
	URI  string       `json:"uri"`
	Role EndpointRole `json:"role,omitempty"`
}

type CodecOperation string

const (
	CodecMarshal   CodecOperation = "marshal"
	CodecUnmarshal CodecOperation = "unmarshal"
)

// CodecStep encodes or decodes the message body with a codec library.
// Library is a bare identifier and is never placeholder-substituted.
type CodecStep struct {
	Library   string         `json:"library"`
	Operation CodecOperation `json:"operation,omitempty"`
}

type ChoiceStep struct {
	When      []WhenBranch `json:"when,omitempty"`
	Otherwise []Step       `json:"otherwise,omitempty"`
}

type WhenBranch struct {
	Expression string `json:"expression"`
	Steps      []Step `json:"steps,omitempty"`
}

// ProcessorRef invokes a named bean. URI, when set, is a scheme-qualified
// resource the bean is built from.
type ProcessorRef struct {
	Ref string `json:"ref"`
	URI string `json:"uri,omitempty"`
}

type IncludeStep struct {
	Template   string            `json:"template"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Template is a reusable chain of steps with its own parameter set.
type Template struct {
	ID         string              `json:"id"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
	Steps      []Step              `json:"steps,omitempty"`
}

type TemplateParameter struct {
	Name    string  `json:"name"`
	Default *string `json:"default,omitempty"`
}

// Bean declares a named auxiliary adapter available to ProcessorRefs.
type Bean struct {
	Name       string            `json:"name"`
	URI        string            `json:"uri,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type PipelinePhase string

const (
	PipelinePhasePending PipelinePhase = "Pending"
	PipelinePhaseRunning PipelinePhase = "Running"
	PipelinePhaseFailed  PipelinePhase = "Failed"
	PipelinePhaseStopped PipelinePhase = "Stopped"
)

type PipelineStatus struct {
	Phase      PipelinePhase      `json:"phase,omitempty"`
	Message    string             `json:"message,omitempty"`
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// Kind reports which variant the step holds, or "" when none or several are set.
func (s Step) Kind() StepKind {
	var kind StepKind
	n := 0
	if s.Endpoint != nil {
		kind, n = StepKindEndpoint, n+1
	}
	if s.Codec != nil {
		kind, n = StepKindCodec, n+1
	}
	if s.Choice != nil {
		kind, n = StepKindChoice, n+1
	}
	if s.Processor != nil {
		kind, n = StepKindProcessor, n+1
	}
	if s.Include != nil {
		kind, n = StepKindInclude, n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Validate checks the structural rules of a spec: every step holds exactly one
// variant, route and template ids are unique and non-empty.
func (s *PipelineSpec) Validate() error {
	routes := make(map[string]bool, len(s.Routes))
	for i, r := range s.Routes {
		if r.ID == "" {
			return fmt.Errorf("route[%d]: id is required", i)
		}
		if routes[r.ID] {
			return fmt.Errorf("route %q: duplicate id", r.ID)
		}
		routes[r.ID] = true
		if err := validateSteps(r.Steps, "route "+r.ID); err != nil {
			return err
		}
	}
	templates := make(map[string]bool, len(s.Templates))
	for i, t := range s.Templates {
		if t.ID == "" {
			return fmt.Errorf("template[%d]: id is required", i)
		}
		if templates[t.ID] {
			return fmt.Errorf("template %q: duplicate id", t.ID)
		}
		templates[t.ID] = true
		if err := validateSteps(t.Steps, "template "+t.ID); err != nil {
			return err
		}
	}
	for i, b := range s.Beans {
		if b.Name == "" {
			return fmt.Errorf("bean[%d]: name is required", i)
		}
	}
	return nil
}

func validateSteps(steps []Step, where string) error {
	for i, st := range steps {
		kind := st.Kind()
		if kind == "" {
			return fmt.Errorf("%s: step[%d]: exactly one of endpoint, codec, choice, processor, include must be set", where, i)
		}
		switch kind {
		case StepKindEndpoint:
			if st.Endpoint.URI == "" {
				return fmt.Errorf("%s: step[%d]: endpoint uri is required", where, i)
			}
		case StepKindCodec:
			if st.Codec.Library == "" {
				return fmt.Errorf("%s: step[%d]: codec library is required", where, i)
			}
		case StepKindProcessor:
			if st.Processor.Ref == "" {
				return fmt.Errorf("%s: step[%d]: processor ref is required", where, i)
			}
		case StepKindInclude:
			if st.Include.Template == "" {
				return fmt.Errorf("%s: step[%d]: include template is required", where, i)
			}
		case StepKindChoice:
			for j, w := range st.Choice.When {
				if err := validateSteps(w.Steps, fmt.Sprintf("%s: step[%d].when[%d]", where, i, j)); err != nil {
					return err
				}
			}
			if err := validateSteps(st.Choice.Otherwise, fmt.Sprintf("%s: step[%d].otherwise", where, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Normalize fills defaults so that every encoding of the same graph compares equal:
// the first endpoint of a route is its source, every other endpoint a sink, and
// codec steps without an operation marshal.
func (s *PipelineSpec) Normalize() {
	for i := range s.Routes {
		normalizeSteps(s.Routes[i].Steps, true)
	}
	for i := range s.Templates {
		normalizeSteps(s.Templates[i].Steps, false)
	}
}

func normalizeSteps(steps []Step, routeHead bool) {
	for i := range steps {
		st := &steps[i]
		switch {
		case st.Endpoint != nil:
			if st.Endpoint.Role == "" {
				if routeHead && i == 0 {
					st.Endpoint.Role = EndpointRoleSource
				} else {
					st.Endpoint.Role = EndpointRoleSink
				}
			}
		case st.Codec != nil:
			if st.Codec.Operation == "" {
				st.Codec.Operation = CodecMarshal
			}
		case st.Choice != nil:
			for j := range st.Choice.When {
				normalizeSteps(st.Choice.When[j].Steps, false)
			}
			normalizeSteps(st.Choice.Otherwise, false)
		}
	}
}
