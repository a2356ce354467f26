package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	// RepositoryEnv overrides the default repository URL.
	RepositoryEnv = "CONDUIT_REPOSITORY"
	// DefaultRepositoryURL is used when RepositoryEnv is unset.
	DefaultRepositoryURL = "https://artifacts.anvil.dev/conduit"

	descriptorExt = ".json"
	versionsFile  = "versions.json"
)

// Descriptor is the metadata a repository publishes for one coordinate.
type Descriptor struct {
	Coordinate Coordinate `json:"coordinate"`
	// File is the payload's base name, stored next to the descriptor.
	File   string `json:"file"`
	SHA256 string `json:"sha256,omitempty"`
	// Dependencies may carry version ranges; they are resolved like top-level
	// requests.
	Dependencies []Coordinate `json:"dependencies,omitempty"`
	// Repository records which repository produced the descriptor. It is
	// filled by the resolver, not by the repository.
	Repository string `json:"repository,omitempty"`
}

func (d *Descriptor) validate(c Coordinate) error {
	if d.Coordinate != c {
		return fmt.Errorf("descriptor is for %s", d.Coordinate)
	}
	if d.File == "" || d.File != path.Base(d.File) || strings.Contains(d.File, "..") || strings.ContainsAny(d.File, `/\`) {
		return fmt.Errorf("descriptor file %q is not a plain file name", d.File)
	}
	return nil
}

// Repository serves descriptors, version lists and payloads addressed by
// coordinate. Implementations return an error wrapping ErrNotFound when the
// object does not exist.
type Repository interface {
	Name() string
	Describe(ctx context.Context, c Coordinate) (*Descriptor, error)
	Versions(ctx context.Context, group, name string) ([]string, error)
	Fetch(ctx context.Context, c Coordinate, file string) (io.ReadCloser, error)
}

// blobStore is the transport under a layoutRepository.
type blobStore interface {
	get(ctx context.Context, key string) (io.ReadCloser, error)
}

// layoutRepository implements the repository layout on top of a blob store:
//
//	{group as path}/{name}/versions.json
//	{group as path}/{name}/{version}/{name}-{version}.json
//	{group as path}/{name}/{version}/{file}
type layoutRepository struct {
	name  string
	store blobStore
}

func (r *layoutRepository) Name() string { return r.name }

func (r *layoutRepository) Describe(ctx context.Context, c Coordinate) (*Descriptor, error) {
	rc, err := r.store.get(ctx, descriptorKey(c))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var d Descriptor
	if err := json.NewDecoder(rc).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode descriptor for %s: %w", c, err)
	}
	// Descriptors may omit their own coordinate.
	if d.Coordinate == (Coordinate{}) {
		d.Coordinate = c
	}
	if err := d.validate(c); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *layoutRepository) Versions(ctx context.Context, group, name string) ([]string, error) {
	rc, err := r.store.get(ctx, versionsKey(group, name))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var list struct {
		Versions []string `json:"versions"`
	}
	if err := json.NewDecoder(rc).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode versions of %s#%s: %w", group, name, err)
	}
	return list.Versions, nil
}

func (r *layoutRepository) Fetch(ctx context.Context, c Coordinate, file string) (io.ReadCloser, error) {
	return r.store.get(ctx, path.Join(c.RepositoryPath(), file))
}

func descriptorKey(c Coordinate) string {
	return path.Join(c.RepositoryPath(), c.Name+"-"+c.Version+descriptorExt)
}

func versionsKey(group, name string) string {
	return path.Join(strings.ReplaceAll(group, ".", "/"), name, versionsFile)
}

// DefaultRepository returns the repository URL used unless excluded.
func DefaultRepository() string {
	if v := os.Getenv(RepositoryEnv); v != "" {
		return v
	}
	return DefaultRepositoryURL
}

// NewRepository builds a repository from a URL. Supported schemes are http,
// https, s3 (s3://bucket/prefix) and file; a bare path is a local directory.
func NewRepository(raw string) (Repository, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty repository url", ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: repository %q: %v", ErrInvalidArgument, raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPRepository(raw, nil)
	case "s3":
		return NewS3Repository(u, S3ConfigFromEnv())
	case "file":
		return NewFileRepository(u.Path)
	case "":
		return NewFileRepository(raw)
	default:
		return nil, fmt.Errorf("%w: repository %q: unsupported scheme %q", ErrInvalidArgument, raw, u.Scheme)
	}
}

type fileStore struct {
	root string
}

// NewFileRepository serves the repository layout from a local directory.
func NewFileRepository(root string) (Repository, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: file repository needs a directory", ErrInvalidArgument)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: file repository %q: %v", ErrInvalidArgument, root, err)
	}
	return &layoutRepository{name: "file://" + filepath.ToSlash(abs), store: &fileStore{root: abs}}, nil
}

func (s *fileStore) get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return f, nil
}
