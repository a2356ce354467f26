package dsl

import (
	"fmt"

	"sigs.k8s.io/yaml"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
)

// ParseYAML parses the block-structured encoding, a manifest of the form
//
//	apiVersion: conduit.anvil.dev/v1alpha1
//	kind: Pipeline
//	metadata:
//	  name: orders
//	spec:
//	  routes:
//	  - id: ingest
//	    steps:
//	    - endpoint: {uri: "timer:tick"}
//	    - codec: {library: csv}
//
// JSON documents are accepted as well. apiVersion and kind may be omitted;
// when present they must match.
func ParseYAML(content []byte) (*conduitv1alpha1.Pipeline, error) {
	p := &conduitv1alpha1.Pipeline{}
	if err := yaml.UnmarshalStrict(content, p); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if p.APIVersion != "" && p.APIVersion != conduitv1alpha1.GroupVersion.String() {
		return nil, fmt.Errorf("parse yaml: unsupported apiVersion %q", p.APIVersion)
	}
	if p.Kind != "" && p.Kind != conduitv1alpha1.PipelineKind {
		return nil, fmt.Errorf("parse yaml: unsupported kind %q", p.Kind)
	}
	p.APIVersion = conduitv1alpha1.GroupVersion.String()
	p.Kind = conduitv1alpha1.PipelineKind

	p.Spec.Normalize()
	if err := p.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return p, nil
}

// MarshalYAML renders a pipeline in the block-structured encoding.
func MarshalYAML(p *conduitv1alpha1.Pipeline) ([]byte, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	return out, nil
}
