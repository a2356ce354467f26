package artifact

import (
	"fmt"
	"path"
	"strings"
)

// Coordinate identifies a fetchable unit of plugin code. Equality is structural.
type Coordinate struct {
	Group   string `json:"group"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResolvedArtifact pairs a coordinate with the local file it was materialized to.
type ResolvedArtifact struct {
	Coordinate Coordinate
	Path       string
}

// String renders the coordinate as group#name;version.
func (c Coordinate) String() string {
	return fmt.Sprintf("%s#%s;%s", c.Group, c.Name, c.Version)
}

// Module is the version-less identity (group#name). The first resolution of a
// module inside one closure wins.
func (c Coordinate) Module() string {
	return c.Group + "#" + c.Name
}

// Validate rejects coordinates with an empty group, name or version.
func (c Coordinate) Validate() error {
	if strings.TrimSpace(c.Group) == "" {
		return fmt.Errorf("%w: coordinate group is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: coordinate name is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("%w: coordinate version is required", ErrInvalidArgument)
	}
	for _, part := range []string{c.Group, c.Name, c.Version} {
		if strings.ContainsAny(part, "/\\#;") || strings.Contains(part, "..") {
			return fmt.Errorf("%w: coordinate %s contains a reserved character", ErrInvalidArgument, c)
		}
	}
	return nil
}

// FileName is the destination file name for the coordinate: its canonical
// form plus ext, the payload extension including the dot (".so", ".plugin"),
// or "". The separators are characters Validate rejects inside a part, so
// distinct coordinates never share a file.
func (c Coordinate) FileName(ext string) string {
	return c.String() + ext
}

// RepositoryPath is the directory of the coordinate inside a repository:
// group segments become path elements (org.acme -> org/acme/name/version).
func (c Coordinate) RepositoryPath() string {
	return path.Join(strings.ReplaceAll(c.Group, ".", "/"), c.Name, c.Version)
}

// ParseCoordinate accepts "group:name:version" and "group#name;version".
func ParseCoordinate(raw string) (Coordinate, error) {
	raw = strings.TrimSpace(raw)
	var c Coordinate
	if group, rest, ok := strings.Cut(raw, "#"); ok {
		name, version, ok := strings.Cut(rest, ";")
		if !ok {
			return Coordinate{}, fmt.Errorf("%w: coordinate %q: missing ';version'", ErrInvalidArgument, raw)
		}
		c = Coordinate{Group: group, Name: name, Version: version}
	} else {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return Coordinate{}, fmt.Errorf("%w: coordinate %q: want group:name:version", ErrInvalidArgument, raw)
		}
		c = Coordinate{Group: parts[0], Name: parts[1], Version: parts[2]}
	}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}
