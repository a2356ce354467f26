package discovery

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/catalog"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/plugin"
)

const ordersXML = `<pipeline name="orders">
  <bean name="dedup" uri="hazelcast:dedup"/>
  <template id="archive">
    <parameter name="target"/>
    <marshal library="avro"/>
    <to uri="{{target}}"/>
  </template>
  <route id="ingest">
    <from uri="timer:tick?period=1s"/>
    <unmarshal library="csv"/>
    <choice>
      <when expression="header.kind == 'a'">
        <to uri="mock:a"/>
        <to uri="direct:audit"/>
      </when>
      <otherwise>
        <to uri="aws2-s3:{{bucket}}"/>
      </otherwise>
    </choice>
    <process ref="dedup"/>
    <include template="archive">
      <parameter name="target" value="kafka:orders"/>
    </include>
    <to uri="controlplane:status"/>
  </route>
</pipeline>`

const ordersYAML = `apiVersion: conduit.anvil.dev/v1alpha1
kind: Pipeline
metadata:
  name: orders
spec:
  beans:
  - name: dedup
    uri: hazelcast:dedup
  templates:
  - id: archive
    parameters:
    - name: target
    steps:
    - codec: {library: avro}
    - endpoint: {uri: "{{target}}"}
  routes:
  - id: ingest
    steps:
    - endpoint: {uri: "timer:tick?period=1s"}
    - codec: {library: csv, operation: unmarshal}
    - choice:
        when:
        - expression: "header.kind == 'a'"
          steps:
          - endpoint: {uri: "mock:a"}
          - endpoint: {uri: "direct:audit"}
        otherwise:
        - endpoint: {uri: "aws2-s3:{{bucket}}"}
    - processor: {ref: dedup}
    - include: {template: archive, parameters: {target: "kafka:orders"}}
    - endpoint: {uri: "controlplane:status"}
`

func ordersBuilt(t *testing.T) *conduitv1alpha1.Pipeline {
	t.Helper()
	b := dsl.NewBuilder("orders")
	b.Bean("dedup", "hazelcast:dedup")
	b.Template("archive", []conduitv1alpha1.TemplateParameter{dsl.Param("target")}, func(s *dsl.Steps) {
		s.Marshal("avro").To("{{target}}")
	})
	b.Route("ingest").
		From("timer:tick?period=1s").
		Unmarshal("csv").
		Choice(func(c *dsl.ChoiceBuilder) {
			c.When("header.kind == 'a'", func(s *dsl.Steps) { s.To("mock:a").To("direct:audit") }).
				Otherwise(func(s *dsl.Steps) { s.To("aws2-s3:{{bucket}}") })
		}).
		Process("dedup").
		Include("archive", map[string]string{"target": "kafka:orders"}).
		To("controlplane:status")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

var ordersProps = map[string]string{"bucket": "archive"}

func TestDiscover_EncodingIndependent(t *testing.T) {
	a := New(nil)

	want := map[string][]string{
		"externalCapabilities": {"aws2-s3", "hazelcast", "kafka"},
		"systemCapabilities":   {"direct", "mock", "timer"},
		"externalCodecs":       {"avro", "csv"},
		"systemCodecs":         {},
	}

	fromBuilder, err := a.Discover(&ordersBuilt(t).Spec, ordersProps)
	if err != nil {
		t.Fatalf("Discover(builder): %v", err)
	}
	fromXML, err := a.DiscoverText([]byte(ordersXML), dsl.EncodingXML, ordersProps)
	if err != nil {
		t.Fatalf("Discover(xml): %v", err)
	}
	fromYAML, err := a.DiscoverText([]byte(ordersYAML), dsl.EncodingYAML, ordersProps)
	if err != nil {
		t.Fatalf("Discover(yaml): %v", err)
	}

	for name, got := range map[string]Result{"builder": fromBuilder, "xml": fromXML, "yaml": fromYAML} {
		if diff := cmp.Diff(want, got.Summary()); diff != "" {
			t.Errorf("%s: unexpected result (-want +got):\n%s", name, diff)
		}
	}
}

func TestDiscover_BuiltinBranchOnly(t *testing.T) {
	b := dsl.NewBuilder("branch")
	b.Route("r").From("direct:start").Choice(func(c *dsl.ChoiceBuilder) {
		c.When("header.x == 'y'", func(s *dsl.Steps) { s.To("mock:result") }).
			Otherwise(func(s *dsl.Steps) { s.To("direct:other") })
	})
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := New(nil).Discover(&p.Spec, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if diff := cmp.Diff([]string{"direct", "mock"}, res.Summary()["systemCapabilities"]); diff != "" {
		t.Fatalf("unexpected system capabilities:\n%s", diff)
	}
	if res.ExternalCapabilities.Len() != 0 || res.ExternalCodecs.Len() != 0 {
		t.Fatalf("expected no external capabilities, got %v", res.Summary())
	}
	if res.NeedsFetch() {
		t.Fatalf("expected nothing to fetch")
	}
}

func TestDiscover_ZeroStepsIsEmpty(t *testing.T) {
	res, err := New(nil).Discover(&conduitv1alpha1.PipelineSpec{}, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected empty result, got %v", res.Summary())
	}
	if res.ExternalCapabilities == nil || res.SystemCodecs == nil {
		t.Fatalf("expected initialized sets")
	}

	res, err = New(nil).Discover(nil, nil)
	if err != nil || !res.Empty() {
		t.Fatalf("expected empty result for nil spec, got %v, %v", res.Summary(), err)
	}
}

func TestDiscover_BridgeSchemeNeverReported(t *testing.T) {
	b := dsl.NewBuilder("bridge")
	b.Route("a").From("controlplane:in").To("controlplane:out").Marshal("controlplane")
	b.Route("b").From("controlplane:{{topic}}").To("kafka:x")
	b.Bean("bridge", "controlplane:adapter")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := New(nil).Discover(&p.Spec, map[string]string{"topic": "t"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	for name, set := range res.Summary() {
		for _, s := range set {
			if s == "controlplane" {
				t.Fatalf("bridge scheme reported in %s", name)
			}
		}
	}
	if !res.ExternalCapabilities.Has("kafka") {
		t.Fatalf("expected kafka external, got %v", res.Summary())
	}
}

func TestDiscover_EndpointAndCodecFamiliesIndependent(t *testing.T) {
	b := dsl.NewBuilder("families")
	b.Route("r").From("direct:in").Marshal("kafka").To("kafka:out").Unmarshal("gzip").To("gzip:weird")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := New(nil).Discover(&p.Spec, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := map[string][]string{
		"externalCapabilities": {"gzip", "kafka"},
		"systemCapabilities":   {"direct"},
		"externalCodecs":       {"kafka"},
		"systemCodecs":         {"gzip"},
	}
	if diff := cmp.Diff(want, res.Summary()); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
}

func TestDiscover_UnresolvableBuiltinsDropped(t *testing.T) {
	b := dsl.NewBuilder("beans")
	b.Route("r").From("direct:in").To("bean:audit").To("ref:shared")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := New(nil).Discover(&p.Spec, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if diff := cmp.Diff([]string{"direct"}, res.Summary()["systemCapabilities"]); diff != "" {
		t.Fatalf("unexpected system capabilities:\n%s", diff)
	}
	if res.ExternalCapabilities.Len() != 0 {
		t.Fatalf("unexpected externals %v", res.Summary())
	}
}

func TestDiscover_ProcessorURIContributes(t *testing.T) {
	b := dsl.NewBuilder("proc")
	b.Route("r").From("direct:in").ProcessURI("idem", "hazelcast:{{map}}")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := New(nil).Discover(&p.Spec, map[string]string{"map": "seen"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !res.ExternalCapabilities.Has("hazelcast") {
		t.Fatalf("expected hazelcast external, got %v", res.Summary())
	}
}

func TestDiscover_UnknownSchemeIsExternal(t *testing.T) {
	b := dsl.NewBuilder("unknown")
	b.Route("r").From("opcua:plc-1").To("direct:out")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := New(nil).Discover(&p.Spec, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !res.ExternalCapabilities.Has("opcua") {
		t.Fatalf("expected opcua external, got %v", res.Summary())
	}
}

func TestDiscover_UnresolvedPlaceholderFails(t *testing.T) {
	p, err := dsl.ParseYAML([]byte(ordersYAML))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	_, err = New(nil).Discover(&p.Spec, nil)
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *discovery.Error, got %v", err)
	}
	var perr *dsl.UnresolvedPlaceholderError
	if !errors.As(err, &perr) || perr.Name != "bucket" {
		t.Fatalf("expected unresolved {{bucket}}, got %v", err)
	}
}

func TestDiscover_PlaceholderResolvingToPlaceholder(t *testing.T) {
	b := dsl.NewBuilder("nested")
	b.Route("r").From("direct:in").To("{{sink}}")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := New(nil).Discover(&p.Spec, map[string]string{"sink": "{{family}}:orders", "family": "kafka"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !res.ExternalCapabilities.Has("kafka") {
		t.Fatalf("expected kafka, got %v", res.Summary())
	}

	_, err = New(nil).Discover(&p.Spec, map[string]string{"sink": "{{family}}:orders"})
	var perr *dsl.UnresolvedPlaceholderError
	if !errors.As(err, &perr) || perr.Name != "family" {
		t.Fatalf("expected unresolved {{family}}, got %v", err)
	}
}

func TestDiscover_MalformedURI(t *testing.T) {
	b := dsl.NewBuilder("bad")
	b.Route("r").From("no-scheme-here")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = New(nil).Discover(&p.Spec, nil)
	if !errors.Is(err, plugin.ErrMalformedURI) {
		t.Fatalf("expected ErrMalformedURI, got %v", err)
	}
}

func TestDiscover_NoCatalog(t *testing.T) {
	a := &Analyzer{}
	if _, err := a.Discover(&conduitv1alpha1.PipelineSpec{}, nil); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("expected ErrNoCatalog, got %v", err)
	}
}

func TestDiscover_CustomCatalog(t *testing.T) {
	c, err := catalog.Load([]byte(`version: 1.2.0
bridge: hub
defaultGroup: org.example
endpoints:
  builtin: [kafka]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b := dsl.NewBuilder("custom")
	b.Route("r").From("kafka:in").To("hub:out").To("direct:x")
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := New(c).Discover(&p.Spec, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := map[string][]string{
		"externalCapabilities": {"direct"},
		"systemCapabilities":   {"kafka"},
		"externalCodecs":       {},
		"systemCodecs":         {},
	}
	if diff := cmp.Diff(want, res.Summary()); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
}
