package loader

import (
	"context"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/plugin"
)

// StaticLoader serves plugins linked into the host binary. Entries are keyed
// by artifact name (conduit-kafka) or module (group#name); the module key
// wins.
type StaticLoader struct {
	Plugins map[string]plugin.RegisterFunc
}

func (s *StaticLoader) lookup(a artifact.ResolvedArtifact) (plugin.RegisterFunc, bool) {
	if s == nil || a.Coordinate.Name == "" {
		return nil, false
	}
	if fn, ok := s.Plugins[a.Coordinate.Module()]; ok {
		return fn, true
	}
	fn, ok := s.Plugins[a.Coordinate.Name]
	return fn, ok
}

func (s *StaticLoader) Accepts(a artifact.ResolvedArtifact) bool {
	_, ok := s.lookup(a)
	return ok
}

// Load registers every known artifact's plugin; unknown artifacts are ignored.
func (s *StaticLoader) Load(_ context.Context, _ string, artifacts []artifact.ResolvedArtifact) (Unit, error) {
	reg := &registry{}
	seen := map[string]bool{}
	for _, a := range artifacts {
		fn, ok := s.lookup(a)
		if !ok || seen[a.Coordinate.Module()] {
			continue
		}
		seen[a.Coordinate.Module()] = true
		fn(reg)
	}
	return reg, nil
}
