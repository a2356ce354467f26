package v1alpha1

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStepKind(t *testing.T) {
	cases := []struct {
		name string
		step Step
		want StepKind
	}{
		{"endpoint", Step{Endpoint: &EndpointStep{URI: "mock:a"}}, StepKindEndpoint},
		{"codec", Step{Codec: &CodecStep{Library: "csv"}}, StepKindCodec},
		{"choice", Step{Choice: &ChoiceStep{}}, StepKindChoice},
		{"processor", Step{Processor: &ProcessorRef{Ref: "dedup"}}, StepKindProcessor},
		{"include", Step{Include: &IncludeStep{Template: "t"}}, StepKindInclude},
		{"empty", Step{}, ""},
		{"two variants", Step{Endpoint: &EndpointStep{URI: "mock:a"}, Codec: &CodecStep{Library: "csv"}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.step.Kind(); got != tc.want {
				t.Fatalf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPipelineSpecValidate(t *testing.T) {
	ep := func(uri string) Step { return Step{Endpoint: &EndpointStep{URI: uri}} }
	cases := []struct {
		name    string
		spec    PipelineSpec
		wantErr string
	}{
		{name: "valid", spec: PipelineSpec{Routes: []Route{{ID: "r", Steps: []Step{ep("timer:t"), ep("mock:a")}}}}},
		{name: "missing route id", spec: PipelineSpec{Routes: []Route{{}}}, wantErr: "route[0]: id is required"},
		{name: "duplicate route", spec: PipelineSpec{Routes: []Route{{ID: "r"}, {ID: "r"}}}, wantErr: `route "r": duplicate id`},
		{name: "duplicate template", spec: PipelineSpec{Templates: []Template{{ID: "t"}, {ID: "t"}}}, wantErr: `template "t": duplicate id`},
		{name: "bean without name", spec: PipelineSpec{Beans: []Bean{{URI: "hazelcast:x"}}}, wantErr: "bean[0]: name is required"},
		{name: "empty uri", spec: PipelineSpec{Routes: []Route{{ID: "r", Steps: []Step{ep("")}}}}, wantErr: "endpoint uri is required"},
		{name: "codec without library", spec: PipelineSpec{Routes: []Route{{ID: "r", Steps: []Step{{Codec: &CodecStep{}}}}}}, wantErr: "codec library is required"},
		{
			name: "nested in choice",
			spec: PipelineSpec{Routes: []Route{{ID: "r", Steps: []Step{
				ep("timer:t"),
				{Choice: &ChoiceStep{When: []WhenBranch{{Expression: "true", Steps: []Step{{}}}}}},
			}}}},
			wantErr: "route r: step[1].when[0]: step[0]: exactly one of",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestNormalizeFillsRolesAndOperations(t *testing.T) {
	spec := PipelineSpec{
		Routes: []Route{{ID: "r", Steps: []Step{
			{Endpoint: &EndpointStep{URI: "timer:t"}},
			{Codec: &CodecStep{Library: "csv"}},
			{Choice: &ChoiceStep{Otherwise: []Step{{Endpoint: &EndpointStep{URI: "mock:b"}}}}},
			{Endpoint: &EndpointStep{URI: "mock:a"}},
		}}},
		Templates: []Template{{ID: "t", Steps: []Step{{Endpoint: &EndpointStep{URI: "mock:c"}}}}},
	}
	spec.Normalize()

	steps := spec.Routes[0].Steps
	if steps[0].Endpoint.Role != EndpointRoleSource {
		t.Errorf("route head role = %q", steps[0].Endpoint.Role)
	}
	if steps[1].Codec.Operation != CodecMarshal {
		t.Errorf("codec operation = %q", steps[1].Codec.Operation)
	}
	if steps[2].Choice.Otherwise[0].Endpoint.Role != EndpointRoleSink {
		t.Errorf("choice endpoint role = %q", steps[2].Choice.Otherwise[0].Endpoint.Role)
	}
	if steps[3].Endpoint.Role != EndpointRoleSink {
		t.Errorf("tail role = %q", steps[3].Endpoint.Role)
	}
	if spec.Templates[0].Steps[0].Endpoint.Role != EndpointRoleSink {
		t.Errorf("template head must not become a source")
	}
}

func TestPipelineDeepCopyIsIndependent(t *testing.T) {
	def := "eu"
	in := &Pipeline{Spec: PipelineSpec{
		Routes:    []Route{{ID: "r", Steps: []Step{{Include: &IncludeStep{Template: "t", Parameters: map[string]string{"a": "1"}}}}}},
		Templates: []Template{{ID: "t", Parameters: []TemplateParameter{{Name: "region", Default: &def}}}},
		Beans:     []Bean{{Name: "b", Properties: map[string]string{"ttl": "30s"}}},
	}}
	out := in.DeepCopy()
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("copy differs (-in +out):\n%s", diff)
	}

	out.Spec.Routes[0].Steps[0].Include.Parameters["a"] = "2"
	*out.Spec.Templates[0].Parameters[0].Default = "us"
	out.Spec.Beans[0].Properties["ttl"] = "1m"
	if in.Spec.Routes[0].Steps[0].Include.Parameters["a"] != "1" ||
		*in.Spec.Templates[0].Parameters[0].Default != "eu" ||
		in.Spec.Beans[0].Properties["ttl"] != "30s" {
		t.Fatalf("mutating the copy changed the original")
	}
}
