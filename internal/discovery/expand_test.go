package discovery

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/dsl"
)

func endpointURIs(steps []conduitv1alpha1.Step) []string {
	var out []string
	for _, st := range steps {
		switch {
		case st.Endpoint != nil:
			out = append(out, st.Endpoint.URI)
		case st.Processor != nil && st.Processor.URI != "":
			out = append(out, st.Processor.URI)
		case st.Choice != nil:
			for _, w := range st.Choice.When {
				out = append(out, endpointURIs(w.Steps)...)
			}
			out = append(out, endpointURIs(st.Choice.Otherwise)...)
		}
	}
	return out
}

func TestExpand_DefaultsAndOverrides(t *testing.T) {
	b := dsl.NewBuilder("tpl")
	b.Template("sink", []conduitv1alpha1.TemplateParameter{
		dsl.Param("topic"),
		dsl.ParamDefault("cluster", "primary"),
	}, func(s *dsl.Steps) {
		s.To("kafka:{{topic}}?cluster={{cluster}}&region={{region}}")
	})
	b.Route("a").From("direct:a").Include("sink", map[string]string{"topic": "orders"})
	b.Route("b").From("direct:b").Include("sink", map[string]string{"topic": "audit", "cluster": "dr"})
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	out, err := Expand(&p.Spec)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	got := [][]string{endpointURIs(out.Routes[0].Steps), endpointURIs(out.Routes[1].Steps)}
	want := [][]string{
		{"direct:a", "kafka:orders?cluster=primary&region={{region}}"},
		{"direct:b", "kafka:audit?cluster=dr&region={{region}}"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected expansion (-want +got):\n%s", diff)
	}

	// The input keeps its include step.
	if p.Spec.Routes[0].Steps[1].Include == nil {
		t.Fatalf("Expand modified its input")
	}
}

func TestExpand_NestedIncludeInsideChoice(t *testing.T) {
	b := dsl.NewBuilder("nested")
	b.Template("leaf", []conduitv1alpha1.TemplateParameter{dsl.Param("uri")}, func(s *dsl.Steps) {
		s.To("{{uri}}")
	})
	b.Template("outer", []conduitv1alpha1.TemplateParameter{dsl.Param("sink")}, func(s *dsl.Steps) {
		s.Choice(func(c *dsl.ChoiceBuilder) {
			c.When("true", func(s *dsl.Steps) {
				s.Include("leaf", map[string]string{"uri": "{{sink}}"})
			})
		})
	})
	b.Route("r").From("direct:in").Include("outer", map[string]string{"sink": "nats:events"})
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	out, err := Expand(&p.Spec)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if diff := cmp.Diff([]string{"direct:in", "nats:events"}, endpointURIs(out.Routes[0].Steps)); diff != "" {
		t.Fatalf("unexpected expansion (-want +got):\n%s", diff)
	}
}

func TestExpand_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *dsl.Builder)
		want  string
	}{
		{
			name: "unknown template",
			build: func(b *dsl.Builder) {
				b.Route("r").From("direct:in").Include("missing", nil)
			},
			want: `unknown template "missing"`,
		},
		{
			name: "undeclared parameter",
			build: func(b *dsl.Builder) {
				b.Template("t", nil, func(s *dsl.Steps) { s.To("log:x") })
				b.Route("r").From("direct:in").Include("t", map[string]string{"bogus": "1"})
			},
			want: `has no parameter "bogus"`,
		},
		{
			name: "cycle",
			build: func(b *dsl.Builder) {
				b.Template("a", nil, func(s *dsl.Steps) { s.Include("b", nil) })
				b.Template("b", nil, func(s *dsl.Steps) { s.Include("a", nil) })
				b.Route("r").From("direct:in").Include("a", nil)
			},
			want: "include cycle: a -> b -> a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := dsl.NewBuilder("errs")
			tt.build(b)
			p, err := b.Build()
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			_, err = Expand(&p.Spec)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if _, err := New(nil).Discover(&p.Spec, nil); err == nil {
				t.Fatalf("expected Discover to fail too")
			}
		})
	}
}
