package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/plugin"
)

type namedComponent string

func (n namedComponent) Scheme() string { return string(n) }

func (n namedComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	return nil, errors.New("not used")
}

type upperCodec struct{}

func (upperCodec) Name() string { return "upper" }

func (upperCodec) Marshal(_ context.Context, msg *plugin.Message) error {
	msg.Body = []byte(strings.ToUpper(string(msg.Body)))
	return nil
}

func (upperCodec) Unmarshal(_ context.Context, msg *plugin.Message) error {
	msg.Body = []byte(strings.ToLower(string(msg.Body)))
	return nil
}

func resolved(group, name string) artifact.ResolvedArtifact {
	c := artifact.Coordinate{Group: group, Name: name, Version: "1.0.0"}
	return artifact.ResolvedArtifact{Coordinate: c, Path: "/dest/" + c.FileName(".jar")}
}

func schemes(u Unit) []string {
	var out []string
	for _, c := range u.Components() {
		out = append(out, c.Scheme())
	}
	return out
}

func TestStaticLoader(t *testing.T) {
	calls := 0
	static := &StaticLoader{Plugins: map[string]plugin.RegisterFunc{
		"conduit-kafka": func(r plugin.Registrar) {
			calls++
			r.RegisterComponent(namedComponent("kafka"))
		},
		"org.other#conduit-avro": func(r plugin.Registrar) {
			r.RegisterCodec(upperCodec{})
		},
	}}

	kafka := resolved("org.anvil", "conduit-kafka")
	avro := resolved("org.other", "conduit-avro")
	wrongGroupAvro := resolved("org.anvil", "conduit-avro")
	if !static.Accepts(kafka) || !static.Accepts(avro) {
		t.Fatalf("expected kafka and avro to be accepted")
	}
	if static.Accepts(wrongGroupAvro) {
		t.Fatalf("module key must match the group")
	}

	u, err := static.Load(context.Background(), "/dest", []artifact.ResolvedArtifact{kafka, kafka, avro, resolved("org.anvil", "unrelated")})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"kafka"}, schemes(u)); diff != "" {
		t.Fatalf("components mismatch (-want +got):\n%s", diff)
	}
	if len(u.Codecs()) != 1 || u.Codecs()[0].Name() != "upper" {
		t.Fatalf("codecs = %v", u.Codecs())
	}
	if calls != 1 {
		t.Fatalf("register called %d times, want 1", calls)
	}
}

type fakeLoader struct {
	accept func(artifact.ResolvedArtifact) bool
	scheme string
	fail   error
	got    []string
	closed int
}

func (f *fakeLoader) Accepts(a artifact.ResolvedArtifact) bool { return f.accept(a) }

func (f *fakeLoader) Load(_ context.Context, _ string, artifacts []artifact.ResolvedArtifact) (Unit, error) {
	for _, a := range artifacts {
		f.got = append(f.got, filepath.Base(a.Path))
	}
	if f.fail != nil {
		return nil, f.fail
	}
	reg := &registry{}
	reg.RegisterComponent(namedComponent(f.scheme))
	return &closeCounter{Unit: reg, n: &f.closed}, nil
}

type closeCounter struct {
	Unit
	n *int
}

func (c *closeCounter) Close() error {
	*c.n++
	return nil
}

func byExt(ext string) func(artifact.ResolvedArtifact) bool {
	return func(a artifact.ResolvedArtifact) bool { return filepath.Ext(a.Path) == ext }
}

func TestChainRoutesByFileType(t *testing.T) {
	so := &fakeLoader{accept: byExt(".so"), scheme: "dyn"}
	proc := &fakeLoader{accept: byExt(".plugin"), scheme: "proc"}
	chain := &Chain{Loaders: []Loader{so, proc}, Logger: testr.New(t)}

	artifacts := []artifact.ResolvedArtifact{
		{Path: "/d/a.plugin"}, {Path: "/d/b.so"}, {Path: "/d/dep.jar"}, {Path: "/d/c.so"},
	}
	u, err := chain.Load(context.Background(), "/d", artifacts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"b.so", "c.so"}, so.got); diff != "" {
		t.Fatalf("dynamic loader got (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.plugin"}, proc.got); diff != "" {
		t.Fatalf("process loader got (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"dyn", "proc"}, schemes(u)); diff != "" {
		t.Fatalf("unit components (-want +got):\n%s", diff)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if so.closed != 1 || proc.closed != 1 {
		t.Fatalf("closed = %d/%d, want 1/1", so.closed, proc.closed)
	}
}

func TestChainReleasesOnFailure(t *testing.T) {
	first := &fakeLoader{accept: byExt(".so"), scheme: "dyn"}
	boom := errors.New("boom")
	second := &fakeLoader{accept: byExt(".plugin"), fail: boom}
	chain := &Chain{Loaders: []Loader{first, second}}

	_, err := chain.Load(context.Background(), "/d", []artifact.ResolvedArtifact{{Path: "/d/a.so"}, {Path: "/d/b.plugin"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if first.closed != 1 {
		t.Fatalf("earlier unit should be closed on failure")
	}
}

func TestChainScansDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"x.so", "y.so", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.so"), 0o755); err != nil {
		t.Fatal(err)
	}
	so := &fakeLoader{accept: byExt(".so"), scheme: "dyn"}
	if _, err := (&Chain{Loaders: []Loader{so}}).Load(context.Background(), dir, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"x.so", "y.so"}, so.got); diff != "" {
		t.Fatalf("scanned (-want +got):\n%s", diff)
	}
}

func TestDynamicLoaderAccepts(t *testing.T) {
	d := &DynamicLoader{}
	if !d.Accepts(artifact.ResolvedArtifact{Path: "/x/lib.so"}) {
		t.Fatalf("expected .so to be accepted")
	}
	if d.Accepts(artifact.ResolvedArtifact{Path: "/x/lib.jar"}) {
		t.Fatalf("expected .jar to be rejected")
	}
}
