//go:build !cgo || !(linux || darwin)

package loader

import (
	"context"
	"fmt"

	"github.com/anvil-platform/conduit/internal/artifact"
)

func (d *DynamicLoader) Load(_ context.Context, _ string, artifacts []artifact.ResolvedArtifact) (Unit, error) {
	if len(artifacts) == 0 {
		return &registry{}, nil
	}
	return nil, fmt.Errorf("load %s: %w", artifacts[0].Path, ErrUnsupported)
}
