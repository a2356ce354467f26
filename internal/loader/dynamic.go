package loader

import (
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/conduit/internal/artifact"
)

// RegisterSymbol is the symbol a dynamic plugin exports, of type
// plugin.RegisterFunc.
const RegisterSymbol = "Register"

// DynamicLoader opens Go plugin shared objects (*.so) in process. Go cannot
// unload a plugin; Close forgets its registrations but the code stays mapped.
type DynamicLoader struct {
	Logger logr.Logger
}

func (d *DynamicLoader) Accepts(a artifact.ResolvedArtifact) bool {
	return filepath.Ext(a.Path) == ".so"
}
