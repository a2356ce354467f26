//go:build cgo && (linux || darwin)

package loader

import (
	"context"
	"fmt"
	goplugin "plugin"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/plugin"
)

func (d *DynamicLoader) Load(_ context.Context, _ string, artifacts []artifact.ResolvedArtifact) (Unit, error) {
	reg := &registry{}
	for _, a := range artifacts {
		p, err := goplugin.Open(a.Path)
		if err != nil {
			return nil, fmt.Errorf("open plugin %s: %w", a.Path, err)
		}
		sym, err := p.Lookup(RegisterSymbol)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", a.Path, err)
		}
		var register plugin.RegisterFunc
		switch fn := sym.(type) {
		case func(plugin.Registrar):
			register = fn
		case *func(plugin.Registrar):
			register = *fn
		default:
			return nil, fmt.Errorf("plugin %s: symbol %s has type %T, want func(plugin.Registrar)", a.Path, RegisterSymbol, sym)
		}
		register(reg)
		if d.Logger.GetSink() != nil {
			d.Logger.V(1).Info("loaded dynamic plugin", "path", a.Path, "components", len(reg.components), "codecs", len(reg.codecs))
		}
	}
	return reg, nil
}
