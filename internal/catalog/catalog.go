// Package catalog classifies capability schemes and codec names as builtin
// or fetchable, and holds the version contract between the catalog and the
// hosting runtime.
package catalog

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/internal/semver"
)

//go:embed catalog.yaml
var embedded []byte

type Classification int

const (
	// Unknown names are absent from the catalog; callers treat them as external.
	Unknown Classification = iota
	Builtin
	// BuiltinUnresolvable is builtin but not reachable through the component
	// registry; discovery skips it silently.
	BuiltinUnresolvable
	External
)

func (c Classification) String() string {
	switch c {
	case Builtin:
		return "Builtin"
	case BuiltinUnresolvable:
		return "BuiltinUnresolvable"
	case External:
		return "External"
	default:
		return "Unknown"
	}
}

// Family separates the endpoint and codec namespaces; a name can be classified
// differently in each.
type Family string

const (
	EndpointFamily Family = "endpoint"
	CodecFamily    Family = "codec"
)

type file struct {
	Version      string  `json:"version"`
	Bridge       string  `json:"bridge"`
	DefaultGroup string  `json:"defaultGroup"`
	Endpoints    section `json:"endpoints"`
	Codecs       section `json:"codecs"`
}

type section struct {
	Builtin      []string                       `json:"builtin"`
	Unresolvable []string                       `json:"unresolvable,omitempty"`
	External     map[string]artifact.Coordinate `json:"external,omitempty"`
}

// Catalog is an immutable, versioned capability registry.
type Catalog struct {
	version      semver.Version
	bridge       string
	defaultGroup string

	builtin       sets.Set[string]
	unresolvable  sets.Set[string]
	external      map[string]artifact.Coordinate
	codecBuiltin  sets.Set[string]
	codecExternal map[string]artifact.Coordinate
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog embedded in the binary. It panics if the
// embedded file is invalid; catalog_test.go guards against that.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(embedded)
		if err != nil {
			panic(fmt.Errorf("catalog: embedded catalog.yaml: %w", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load parses and validates a catalog document.
func Load(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	v, err := semver.ParseStrict(strings.TrimSpace(f.Version))
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c := &Catalog{
		version:       v,
		bridge:        strings.TrimSpace(f.Bridge),
		defaultGroup:  strings.TrimSpace(f.DefaultGroup),
		builtin:       sets.New(f.Endpoints.Builtin...),
		unresolvable:  sets.New(f.Endpoints.Unresolvable...),
		external:      make(map[string]artifact.Coordinate, len(f.Endpoints.External)),
		codecBuiltin:  sets.New(f.Codecs.Builtin...),
		codecExternal: make(map[string]artifact.Coordinate, len(f.Codecs.External)),
	}
	for name, tpl := range f.Endpoints.External {
		coord, err := c.expand(name, tpl)
		if err != nil {
			return nil, err
		}
		c.external[name] = coord
	}
	for name, tpl := range f.Codecs.External {
		coord, err := c.expand(name, tpl)
		if err != nil {
			return nil, err
		}
		c.codecExternal[name] = coord
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) expand(name string, tpl artifact.Coordinate) (artifact.Coordinate, error) {
	props := map[string]string{"scheme": name, "version": c.version.Original()}
	var out artifact.Coordinate
	var err error
	if out.Group, err = dsl.Substitute(tpl.Group, props); err != nil {
		return artifact.Coordinate{}, fmt.Errorf("catalog: entry %q: %w", name, err)
	}
	if out.Name, err = dsl.Substitute(tpl.Name, props); err != nil {
		return artifact.Coordinate{}, fmt.Errorf("catalog: entry %q: %w", name, err)
	}
	if out.Version, err = dsl.Substitute(tpl.Version, props); err != nil {
		return artifact.Coordinate{}, fmt.Errorf("catalog: entry %q: %w", name, err)
	}
	if out.Group == "" {
		out.Group = c.defaultGroup
	}
	return out, nil
}

// Validate checks the catalog's internal consistency.
func (c *Catalog) Validate() error {
	if c.bridge == "" {
		return fmt.Errorf("catalog: bridge scheme is required")
	}
	if c.defaultGroup == "" {
		return fmt.Errorf("catalog: defaultGroup is required")
	}
	if extra := c.unresolvable.Difference(c.builtin); extra.Len() > 0 {
		return fmt.Errorf("catalog: unresolvable schemes not listed as builtin: %v", sets.List(extra))
	}
	if c.builtin.Has(c.bridge) {
		return fmt.Errorf("catalog: bridge scheme %q must not be builtin", c.bridge)
	}
	for name, coord := range c.external {
		if c.builtin.Has(name) {
			return fmt.Errorf("catalog: endpoint %q is both builtin and external", name)
		}
		if err := coord.Validate(); err != nil {
			return fmt.Errorf("catalog: endpoint %q: %w", name, err)
		}
	}
	for name, coord := range c.codecExternal {
		if c.codecBuiltin.Has(name) {
			return fmt.Errorf("catalog: codec %q is both builtin and external", name)
		}
		if err := coord.Validate(); err != nil {
			return fmt.Errorf("catalog: codec %q: %w", name, err)
		}
	}
	return nil
}

// Classify classifies an endpoint scheme.
func (c *Catalog) Classify(scheme string) Classification {
	switch {
	case c.unresolvable.Has(scheme):
		return BuiltinUnresolvable
	case c.builtin.Has(scheme):
		return Builtin
	case hasKey(c.external, scheme):
		return External
	default:
		return Unknown
	}
}

// ClassifyCodec classifies a codec library name.
func (c *Catalog) ClassifyCodec(name string) Classification {
	switch {
	case c.codecBuiltin.Has(name):
		return Builtin
	case hasKey(c.codecExternal, name):
		return External
	default:
		return Unknown
	}
}

// CoordinateFor returns the artifact that provides an external endpoint scheme.
func (c *Catalog) CoordinateFor(scheme string) (artifact.Coordinate, bool) {
	coord, ok := c.external[scheme]
	return coord, ok
}

// CodecCoordinateFor returns the artifact that provides an external codec.
func (c *Catalog) CodecCoordinateFor(name string) (artifact.Coordinate, bool) {
	coord, ok := c.codecExternal[name]
	return coord, ok
}

// ConventionalCoordinate is the coordinate tried for names the catalog does
// not know: <defaultGroup>#conduit-<name>;<version>, codecs conduit-codec-<name>.
func (c *Catalog) ConventionalCoordinate(family Family, name string) artifact.Coordinate {
	prefix := "conduit-"
	if family == CodecFamily {
		prefix = "conduit-codec-"
	}
	return artifact.Coordinate{Group: c.defaultGroup, Name: prefix + name, Version: c.version.Original()}
}

// Lookup resolves the coordinate for a name, falling back to the conventional one.
func (c *Catalog) Lookup(family Family, name string) artifact.Coordinate {
	var coord artifact.Coordinate
	var ok bool
	if family == CodecFamily {
		coord, ok = c.CodecCoordinateFor(name)
	} else {
		coord, ok = c.CoordinateFor(name)
	}
	if ok {
		return coord
	}
	return c.ConventionalCoordinate(family, name)
}

// IsVersionCompatible reports whether host carries the catalog's major and
// minor version. Trailing components are never compared; fewer than two
// dot-separated components is always incompatible.
func (c *Catalog) IsVersionCompatible(host string) bool {
	parts := strings.Split(strings.TrimSpace(host), ".")
	if len(parts) < 2 {
		return false
	}
	return parts[0] == strconv.FormatUint(c.version.Major(), 10) &&
		parts[1] == strconv.FormatUint(c.version.Minor(), 10)
}

func (c *Catalog) Version() string { return c.version.Original() }

// BridgeScheme is the reserved control-plane scheme excluded from discovery.
func (c *Catalog) BridgeScheme() string { return c.bridge }

func (c *Catalog) BuiltinSchemes() []string { return sets.List(c.builtin) }

func (c *Catalog) UnresolvableSchemes() []string { return sets.List(c.unresolvable) }

func (c *Catalog) BuiltinCodecs() []string { return sets.List(c.codecBuiltin) }

func hasKey(m map[string]artifact.Coordinate, k string) bool {
	_, ok := m[k]
	return ok
}
