// Package artifact resolves artifact coordinates and their transitive
// dependencies from a chain of repositories into a per-run destination
// directory, through a persistent on-disk cache.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/anvil-platform/conduit/internal/semver"
)

// Options configures a Resolver.
type Options struct {
	// Name is the logical run name. Together with Destination it forms the
	// resolver identity, which keys cached metadata; reuse it across runs.
	Name string
	// Destination receives every closure member. Required.
	Destination string
	// CacheDir defaults to DefaultCacheDir().
	CacheDir string
	// Repositories are tried after the default repository, in order.
	Repositories []string
	// ExcludeDefault drops the default repository from the chain.
	ExcludeDefault bool
	// DefaultRepository defaults to DefaultRepository().
	DefaultRepository string
	// CopyParallelism bounds concurrent copies into Destination. Default 4.
	CopyParallelism int
	Logger          logr.Logger
}

// Resolver resolves coordinates for one logical run. It is safe for
// concurrent use.
type Resolver struct {
	name        string
	destination string
	cache       *cache
	repos       []Repository
	parallelism int
	log         logr.Logger

	flight singleflight.Group
}

// New validates opts and builds the repository chain. It never touches the
// network.
func New(opts Options) (*Resolver, error) {
	if strings.TrimSpace(opts.Destination) == "" {
		return nil, fmt.Errorf("%w: destination directory is required", ErrInvalidArgument)
	}
	dest, err := filepath.Abs(opts.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: destination %q: %v", ErrInvalidArgument, opts.Destination, err)
	}
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		if cacheDir, err = DefaultCacheDir(); err != nil {
			return nil, err
		}
	}

	var urls []string
	if !opts.ExcludeDefault {
		def := opts.DefaultRepository
		if def == "" {
			def = DefaultRepository()
		}
		urls = append(urls, def)
	}
	urls = append(urls, opts.Repositories...)

	r := &Resolver{
		name:        opts.Name,
		destination: dest,
		parallelism: opts.CopyParallelism,
		log:         opts.Logger,
	}
	if r.parallelism <= 0 {
		r.parallelism = 4
	}
	if r.log.GetSink() == nil {
		r.log = logr.Discard()
	}
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		repo, err := NewRepository(u)
		if err != nil {
			return nil, err
		}
		if seen[repo.Name()] {
			continue
		}
		seen[repo.Name()] = true
		r.repos = append(r.repos, repo)
	}
	r.cache = newCache(cacheDir, r.Identity())
	r.log = r.log.WithValues("identity", r.Identity())
	return r, nil
}

// WithRepositories replaces the repository chain. Intended for callers that
// construct repositories themselves (tests, embedding).
func (r *Resolver) WithRepositories(repos ...Repository) *Resolver {
	r.repos = repos
	return r
}

// Identity is the diagnostic identity string; it names both the logical run
// and the destination.
func (r *Resolver) Identity() string {
	return fmt.Sprintf("resolver[name=%s, destination=%s]", r.name, r.destination)
}

// Destination returns the absolute destination root.
func (r *Resolver) Destination() string { return r.destination }

// Repositories returns the names of the repositories in the order they are tried.
func (r *Resolver) Repositories() []string {
	out := make([]string, 0, len(r.repos))
	for _, repo := range r.repos {
		out = append(out, repo.Name())
	}
	return out
}

// Resolve computes the transitive closure of c, fetches what the cache lacks
// and copies every member into the destination (into configName when set).
// The returned artifacts are in closure order, c first.
func (r *Resolver) Resolve(ctx context.Context, c Coordinate, configName string) ([]ResolvedArtifact, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(configName, `/\`) || configName == ".." {
		return nil, fmt.Errorf("%w: config name %q", ErrInvalidArgument, configName)
	}
	start := time.Now()
	defer func() { artifactResolutionDuration.Observe(time.Since(start).Seconds()) }()

	logger := r.log.WithValues("coordinate", c.String())
	closure, err := r.closure(ctx, c, logger)
	if err != nil {
		artifactResolutionErrorsTotal.Inc()
		return nil, err
	}

	sources := make([]string, len(closure))
	for i, d := range closure {
		src, err := r.ensurePayload(ctx, d, logger)
		if err != nil {
			artifactResolutionErrorsTotal.Inc()
			return nil, r.resolutionError(c, d.Coordinate, err)
		}
		sources[i] = src
	}

	dest := r.destination
	if configName != "" {
		dest = filepath.Join(dest, configName)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	out := make([]ResolvedArtifact, len(closure))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, d := range closure {
		target := filepath.Join(dest, d.Coordinate.FileName(filepath.Ext(d.File)))
		out[i] = ResolvedArtifact{Coordinate: d.Coordinate, Path: target}
		src := sources[i]
		g.Go(func() error {
			if sameFile(src, target) {
				return nil
			}
			if err := copyFile(src, target); err != nil {
				return fmt.Errorf("materialize %s: %w", d.Coordinate, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		artifactResolutionErrorsTotal.Inc()
		return nil, err
	}
	logger.V(1).Info("resolved", "artifacts", len(out), "destination", dest)
	return out, nil
}

// closure walks dependencies depth-first. The first version chosen for a
// group#name wins; later requests for a different version are logged and
// ignored, which also terminates dependency cycles.
func (r *Resolver) closure(ctx context.Context, root Coordinate, logger logr.Logger) ([]*Descriptor, error) {
	var (
		order      []*Descriptor
		chosen     = map[string]string{}
		inProgress = map[string]bool{}
	)

	var visit func(c Coordinate, parent string) error
	visit = func(c Coordinate, parent string) error {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("dependency of %s: %w", parent, err)
		}
		exact, err := r.pinVersion(ctx, c)
		if err != nil {
			return r.resolutionError(root, c, err)
		}
		c = exact

		if v, ok := chosen[c.Module()]; ok {
			if inProgress[c.Module()] {
				logger.V(1).Info("dependency cycle", "module", c.Module(), "via", parent)
			} else if v != c.Version {
				logger.V(1).Info("version conflict, keeping first", "module", c.Module(), "kept", v, "ignored", c.Version, "via", parent)
			}
			return nil
		}
		d, err := r.describe(ctx, c)
		if err != nil {
			return r.resolutionError(root, c, err)
		}
		chosen[c.Module()] = c.Version
		inProgress[c.Module()] = true
		order = append(order, d)
		for _, dep := range d.Dependencies {
			if err := visit(dep, c.String()); err != nil {
				return err
			}
		}
		inProgress[c.Module()] = false
		return nil
	}

	if err := visit(root, ""); err != nil {
		return nil, err
	}
	return order, nil
}

// pinVersion turns a version range into the highest matching published
// version. Exact versions pass through untouched.
func (r *Resolver) pinVersion(ctx context.Context, c Coordinate) (Coordinate, error) {
	if semver.IsExact(c.Version) {
		return c, nil
	}
	if v, ok := r.cache.loadRange(c); ok {
		return Coordinate{Group: c.Group, Name: c.Name, Version: v}, nil
	}
	constraint, err := semver.ParseConstraint(c.Version)
	if err != nil {
		return Coordinate{}, utilerrors.NewAggregate([]error{fmt.Errorf("%w: version range %q: %v", ErrInvalidArgument, c.Version, err)})
	}

	var errs []error
	for _, repo := range r.repos {
		raw, err := repo.Versions(ctx, c.Group, c.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", repo.Name(), err))
			continue
		}
		var candidates []semver.Version
		for _, s := range raw {
			if v, err := semver.ParseVersion(s); err == nil {
				candidates = append(candidates, v)
			}
		}
		best, ok := semver.MaxSatisfying(constraint, candidates)
		if !ok {
			errs = append(errs, fmt.Errorf("repository %s: no version satisfies %q", repo.Name(), c.Version))
			continue
		}
		pinned := Coordinate{Group: c.Group, Name: c.Name, Version: best.Original()}
		if err := r.cache.storeRange(c, pinned.Version); err != nil {
			r.log.Error(err, "cache version range", "coordinate", c.String())
		}
		return pinned, nil
	}
	if len(r.repos) == 0 {
		errs = append(errs, errors.New("no repositories configured"))
	}
	return Coordinate{}, utilerrors.NewAggregate(errs)
}

// describe returns the descriptor for an exact coordinate, from the cache
// when this identity has seen it before.
func (r *Resolver) describe(ctx context.Context, c Coordinate) (*Descriptor, error) {
	if d := r.cache.loadDescriptor(c); d != nil {
		return d, nil
	}
	var errs []error
	for _, repo := range r.repos {
		d, err := repo.Describe(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", repo.Name(), err))
			continue
		}
		d.Repository = repo.Name()
		if err := r.cache.storeDescriptor(d); err != nil {
			r.log.Error(err, "cache descriptor", "coordinate", c.String())
		}
		return d, nil
	}
	if len(r.repos) == 0 {
		errs = append(errs, errors.New("no repositories configured"))
	}
	return nil, utilerrors.NewAggregate(errs)
}

// ensurePayload makes sure the payload of d is in the shared file cache and
// returns its path. Concurrent callers for the same file share one download.
func (r *Resolver) ensurePayload(ctx context.Context, d *Descriptor, logger logr.Logger) (string, error) {
	path := r.cache.filePath(d.Coordinate, d.File)
	if r.cache.hasFile(d.Coordinate, d.File) {
		artifactCacheHitsTotal.Inc()
		return path, nil
	}
	_, err, _ := r.flight.Do(path, func() (interface{}, error) {
		if r.cache.hasFile(d.Coordinate, d.File) {
			return nil, nil
		}
		var errs []error
		for _, repo := range r.orderedFor(d) {
			rc, err := repo.Fetch(ctx, d.Coordinate, d.File)
			if err != nil {
				errs = append(errs, fmt.Errorf("repository %s: %w", repo.Name(), err))
				continue
			}
			err = writeFileAtomic(path, rc, d.SHA256, payloadMode(d.File))
			rc.Close()
			if err != nil {
				errs = append(errs, fmt.Errorf("repository %s: %w", repo.Name(), err))
				continue
			}
			artifactFetchTotal.WithLabelValues(repo.Name()).Inc()
			logger.V(1).Info("fetched", "artifact", d.Coordinate.String(), "repository", repo.Name())
			return nil, nil
		}
		if len(errs) == 0 {
			errs = append(errs, errors.New("no repositories configured"))
		}
		return nil, utilerrors.NewAggregate(errs)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// orderedFor puts the repository that described d first.
func (r *Resolver) orderedFor(d *Descriptor) []Repository {
	out := make([]Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		if repo.Name() == d.Repository {
			out = append(out, repo)
		}
	}
	for _, repo := range r.repos {
		if repo.Name() != d.Repository {
			out = append(out, repo)
		}
	}
	return out
}

func (r *Resolver) resolutionError(requested, missing Coordinate, err error) error {
	var agg utilerrors.Aggregate
	if !errors.As(err, &agg) {
		agg = utilerrors.NewAggregate([]error{err})
	}
	return &ResolutionError{Coordinate: requested, Missing: missing, Errs: agg}
}

// sameFile reports whether dst already holds a copy of src, judged by size
// and modification order. Destination files are never edited in place.
func sameFile(src, dst string) bool {
	si, err := os.Stat(src)
	if err != nil {
		return false
	}
	di, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return si.Size() == di.Size() && !di.ModTime().Before(si.ModTime())
}
