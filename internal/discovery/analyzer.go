// Package discovery statically determines which capabilities a pipeline needs
// and which of them must be fetched before it can run.
package discovery

import (
	"errors"
	"fmt"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/catalog"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/plugin"
)

// ErrNoCatalog is returned when an Analyzer has no catalog to classify against.
var ErrNoCatalog = errors.New("no capability catalog configured")

type Analyzer struct {
	Catalog *catalog.Catalog
}

// New returns an analyzer bound to c, or to the embedded catalog when c is nil.
func New(c *catalog.Catalog) *Analyzer {
	if c == nil {
		c = catalog.Default()
	}
	return &Analyzer{Catalog: c}
}

// Discover analyzes spec. props resolves {{name}} placeholders in endpoint,
// processor and bean URIs; codec names are taken verbatim.
//
// A pipeline without steps yields four empty sets. Schemes the catalog does
// not know land in the external set.
func (a *Analyzer) Discover(spec *conduitv1alpha1.PipelineSpec, props map[string]string) (Result, error) {
	if a == nil || a.Catalog == nil {
		return Result{}, &Error{Err: ErrNoCatalog}
	}
	res := newResult()
	if spec == nil {
		return res, nil
	}
	if err := spec.Validate(); err != nil {
		return Result{}, &Error{Err: err}
	}
	expanded, err := Expand(spec)
	if err != nil {
		return Result{}, err
	}

	v := &visitor{catalog: a.Catalog, props: props, result: res}
	for _, r := range expanded.Routes {
		if err := v.steps(r.Steps, fmt.Sprintf("route %q", r.ID)); err != nil {
			return Result{}, err
		}
	}
	for _, b := range expanded.Beans {
		if b.URI == "" {
			continue
		}
		if err := v.endpoint(b.URI, fmt.Sprintf("bean %q", b.Name)); err != nil {
			return Result{}, err
		}
	}
	return v.result, nil
}

// DiscoverText parses content in the given encoding and analyzes it.
func (a *Analyzer) DiscoverText(content []byte, enc dsl.Encoding, props map[string]string) (Result, error) {
	p, err := dsl.Parse(content, enc)
	if err != nil {
		return Result{}, &Error{Err: err}
	}
	return a.Discover(&p.Spec, props)
}

type visitor struct {
	catalog *catalog.Catalog
	props   map[string]string
	result  Result
}

func (v *visitor) steps(steps []conduitv1alpha1.Step, where string) error {
	for i, st := range steps {
		at := fmt.Sprintf("%s step[%d]", where, i)
		switch st.Kind() {
		case conduitv1alpha1.StepKindEndpoint:
			if err := v.endpoint(st.Endpoint.URI, at); err != nil {
				return err
			}
		case conduitv1alpha1.StepKindCodec:
			v.codec(st.Codec.Library)
		case conduitv1alpha1.StepKindProcessor:
			if st.Processor.URI != "" {
				if err := v.endpoint(st.Processor.URI, at); err != nil {
					return err
				}
			}
		case conduitv1alpha1.StepKindChoice:
			for j, w := range st.Choice.When {
				if err := v.steps(w.Steps, fmt.Sprintf("%s.when[%d]", at, j)); err != nil {
					return err
				}
			}
			if err := v.steps(st.Choice.Otherwise, at+".otherwise"); err != nil {
				return err
			}
		case conduitv1alpha1.StepKindInclude:
			// Expand removed every include; one left here is a bug in Expand.
			return &Error{Where: at, Err: fmt.Errorf("unexpanded include of %q", st.Include.Template)}
		default:
			return &Error{Where: at, Err: errors.New("step holds no single variant")}
		}
	}
	return nil
}

func (v *visitor) endpoint(rawURI, where string) error {
	uri, err := dsl.Substitute(rawURI, v.props)
	if err != nil {
		return &Error{Where: where, Err: err}
	}
	scheme, _, err := plugin.SplitURI(uri)
	if err != nil {
		return &Error{Where: where, Err: err}
	}
	if scheme == v.catalog.BridgeScheme() {
		return nil
	}
	switch v.catalog.Classify(scheme) {
	case catalog.Builtin:
		v.result.SystemCapabilities.Insert(scheme)
	case catalog.BuiltinUnresolvable:
	default:
		v.result.ExternalCapabilities.Insert(scheme)
	}
	return nil
}

func (v *visitor) codec(name string) {
	if name == v.catalog.BridgeScheme() {
		return
	}
	switch v.catalog.ClassifyCodec(name) {
	case catalog.Builtin:
		v.result.SystemCodecs.Insert(name)
	default:
		v.result.ExternalCodecs.Insert(name)
	}
}
