package discovery

import (
	"fmt"
	"strings"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/dsl"
)

// Expand rewrites every Include step into the steps of its template, with the
// include's parameter bindings (falling back to template defaults) substituted
// into endpoint and processor URIs. Placeholders the bindings do not cover are
// left for the property table. The input is not modified.
func Expand(spec *conduitv1alpha1.PipelineSpec) (*conduitv1alpha1.PipelineSpec, error) {
	out := spec.DeepCopy()
	templates := make(map[string]*conduitv1alpha1.Template, len(out.Templates))
	for i := range out.Templates {
		templates[out.Templates[i].ID] = &out.Templates[i]
	}
	x := &expander{templates: templates}
	for i := range out.Routes {
		steps, err := x.steps(out.Routes[i].Steps, nil)
		if err != nil {
			return nil, &Error{Where: fmt.Sprintf("route %q", out.Routes[i].ID), Err: err}
		}
		out.Routes[i].Steps = steps
	}
	return out, nil
}

type expander struct {
	templates map[string]*conduitv1alpha1.Template
}

// steps expands includes in place. stack holds the templates currently being
// expanded, for cycle detection.
func (x *expander) steps(in []conduitv1alpha1.Step, stack []string) ([]conduitv1alpha1.Step, error) {
	var out []conduitv1alpha1.Step
	for i, st := range in {
		switch {
		case st.Include != nil:
			expanded, err := x.include(st.Include, stack)
			if err != nil {
				return nil, fmt.Errorf("step[%d]: %w", i, err)
			}
			out = append(out, expanded...)
		case st.Choice != nil:
			for j := range st.Choice.When {
				steps, err := x.steps(st.Choice.When[j].Steps, stack)
				if err != nil {
					return nil, fmt.Errorf("step[%d].when[%d]: %w", i, j, err)
				}
				st.Choice.When[j].Steps = steps
			}
			steps, err := x.steps(st.Choice.Otherwise, stack)
			if err != nil {
				return nil, fmt.Errorf("step[%d].otherwise: %w", i, err)
			}
			st.Choice.Otherwise = steps
			out = append(out, st)
		default:
			out = append(out, st)
		}
	}
	return out, nil
}

func (x *expander) include(inc *conduitv1alpha1.IncludeStep, stack []string) ([]conduitv1alpha1.Step, error) {
	for _, id := range stack {
		if id == inc.Template {
			return nil, fmt.Errorf("include cycle: %s -> %s", strings.Join(stack, " -> "), inc.Template)
		}
	}
	tpl, ok := x.templates[inc.Template]
	if !ok {
		return nil, fmt.Errorf("include of unknown template %q", inc.Template)
	}

	bindings := make(map[string]string, len(tpl.Parameters))
	declared := make(map[string]bool, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		declared[p.Name] = true
		if p.Default != nil {
			bindings[p.Name] = *p.Default
		}
	}
	for k, v := range inc.Parameters {
		if !declared[k] {
			return nil, fmt.Errorf("template %q has no parameter %q", tpl.ID, k)
		}
		bindings[k] = v
	}

	body := make([]conduitv1alpha1.Step, len(tpl.Steps))
	for i := range tpl.Steps {
		tpl.Steps[i].DeepCopyInto(&body[i])
		bindStep(&body[i], bindings)
	}
	return x.steps(body, append(stack, tpl.ID))
}

func bindStep(st *conduitv1alpha1.Step, bindings map[string]string) {
	switch {
	case st.Endpoint != nil:
		st.Endpoint.URI = dsl.SubstituteKnown(st.Endpoint.URI, bindings)
	case st.Processor != nil:
		st.Processor.URI = dsl.SubstituteKnown(st.Processor.URI, bindings)
	case st.Include != nil:
		for k, v := range st.Include.Parameters {
			st.Include.Parameters[k] = dsl.SubstituteKnown(v, bindings)
		}
	case st.Choice != nil:
		for i := range st.Choice.When {
			st.Choice.When[i].Expression = dsl.SubstituteKnown(st.Choice.When[i].Expression, bindings)
			for j := range st.Choice.When[i].Steps {
				bindStep(&st.Choice.When[i].Steps[j], bindings)
			}
		}
		for j := range st.Choice.Otherwise {
			bindStep(&st.Choice.Otherwise[j], bindings)
		}
	}
}
