// Package loader turns resolved artifacts into a loading unit: the set of
// components and codecs one pipeline run may use, released as a whole.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/plugin"
)

// ErrUnsupported is returned by strategies the current platform lacks.
var ErrUnsupported = errors.New("loading strategy not supported on this platform")

// Unit is the isolated set of capabilities loaded for one run.
type Unit interface {
	Components() []plugin.Component
	Codecs() []plugin.Codec
	Close() error
}

// Loader builds a unit from artifacts materialized under dir.
type Loader interface {
	Load(ctx context.Context, dir string, artifacts []artifact.ResolvedArtifact) (Unit, error)
}

// Matcher is implemented by loaders that handle only some artifacts. Chain
// routes each artifact to the first loader that accepts it.
type Matcher interface {
	Accepts(a artifact.ResolvedArtifact) bool
}

// registry collects what a plugin registers.
type registry struct {
	components []plugin.Component
	codecs     []plugin.Codec
}

var _ plugin.Registrar = (*registry)(nil)

func (r *registry) RegisterComponent(c plugin.Component) { r.components = append(r.components, c) }

func (r *registry) RegisterCodec(c plugin.Codec) { r.codecs = append(r.codecs, c) }

func (r *registry) Components() []plugin.Component { return r.components }

func (r *registry) Codecs() []plugin.Codec { return r.codecs }

func (r *registry) Close() error { return nil }

// multiUnit merges the units of several loaders.
type multiUnit []Unit

func (m multiUnit) Components() []plugin.Component {
	var out []plugin.Component
	for _, u := range m {
		out = append(out, u.Components()...)
	}
	return out
}

func (m multiUnit) Codecs() []plugin.Codec {
	var out []plugin.Codec
	for _, u := range m {
		out = append(out, u.Codecs()...)
	}
	return out
}

// Close closes every member in reverse load order.
func (m multiUnit) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Chain dispatches artifacts to loaders. Loaders that are not Matchers accept
// everything. Artifacts no loader accepts, such as plain dependency files,
// are skipped.
type Chain struct {
	Loaders []Loader
	Logger  logr.Logger
}

func (c *Chain) Load(ctx context.Context, dir string, artifacts []artifact.ResolvedArtifact) (Unit, error) {
	logger := c.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	if len(artifacts) == 0 {
		scanned, err := scan(dir)
		if err != nil {
			return nil, err
		}
		artifacts = scanned
	}

	groups := make([][]artifact.ResolvedArtifact, len(c.Loaders))
	for _, a := range artifacts {
		i := c.pick(a)
		if i < 0 {
			logger.V(1).Info("no loader for artifact, skipping", "path", a.Path)
			continue
		}
		groups[i] = append(groups[i], a)
	}

	var unit multiUnit
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		u, err := c.Loaders[i].Load(ctx, dir, group)
		if err != nil {
			if cerr := unit.Close(); cerr != nil {
				logger.Error(cerr, "release partially loaded unit")
			}
			return nil, err
		}
		unit = append(unit, u)
	}
	return unit, nil
}

func (c *Chain) pick(a artifact.ResolvedArtifact) int {
	for i, l := range c.Loaders {
		m, ok := l.(Matcher)
		if !ok || m.Accepts(a) {
			return i
		}
	}
	return -1
}

// scan lists the regular files of dir as artifacts without coordinates.
func scan(dir string) ([]artifact.ResolvedArtifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var out []artifact.ResolvedArtifact
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, artifact.ResolvedArtifact{Path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Default is the platform's default chain: linked-in plugins first, then
// dynamic libraries, then plugin processes.
func Default(static *StaticLoader, process ProcessOptions, logger logr.Logger) *Chain {
	var loaders []Loader
	if static != nil {
		loaders = append(loaders, static)
	}
	loaders = append(loaders, &DynamicLoader{Logger: logger})
	process.Logger = logger
	loaders = append(loaders, NewProcessLoader(process))
	return &Chain{Loaders: loaders, Logger: logger}
}
