// Package supervisor runs one pipeline at a time: it discovers what the
// pipeline needs, resolves and loads the missing capabilities, starts the
// routes on a supervising goroutine and tears everything down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/internal/catalog"
	"github.com/anvil-platform/conduit/internal/discovery"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/internal/loader"
	"github.com/anvil-platform/conduit/internal/runtime"
	"github.com/anvil-platform/conduit/plugin"
)

var (
	// ErrInvalidState is returned for lifecycle calls made in the wrong state.
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrIncompatibleHost is returned when the host version does not match
	// the capability catalog.
	ErrIncompatibleHost = errors.New("host version incompatible with capability catalog")
	// ErrClosed is returned by RunRoutes when Close ended the run before its
	// routes started.
	ErrClosed = errors.New("execution context closed")
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

type Options struct {
	// Name is the logical run name; it keys cached resolver metadata.
	Name string
	// Destination receives resolved artifacts. Required; exclusive to one
	// ExecutionContext at a time.
	Destination string
	CacheDir    string
	// Repositories are tried after the default repository.
	Repositories             []string
	ExcludeDefaultRepository bool
	// Properties resolve {{name}} placeholders during discovery and at runtime.
	Properties map[string]string
	// Singletons are bound by name into the runtime before routes load.
	Singletons map[string]func() plugin.Processor
	// HeaderDuplicator, when set, is bound under its name by DoInit.
	HeaderDuplicator *runtime.HeaderDuplication
	// Loader builds loading units. Defaults to loader.Default.
	Loader loader.Loader
	// HostComponents are registered into every runtime context.
	HostComponents []plugin.Component
	HostCodecs     []plugin.Codec
	// Catalog defaults to the embedded catalog.
	Catalog *catalog.Catalog
	// HostVersion must match the catalog's major.minor. Defaults to the
	// catalog version.
	HostVersion string
	// StartTimeout bounds a synchronous RunRoutes. Default 30s.
	StartTimeout time.Duration
	// StopTimeout bounds the wait for the supervising goroutine on Close.
	// Default 10s.
	StopTimeout  time.Duration
	PollInterval time.Duration
	// Clock drives timer endpoints.
	Clock  clock.WithTicker
	Logger logr.Logger
}

// ExecutionContext supervises the runs of one pipeline. State queries are
// safe from any goroutine; lifecycle calls are meant for one caller.
type ExecutionContext struct {
	opts     Options
	log      logr.Logger
	catalog  *catalog.Catalog
	analyzer *discovery.Analyzer
	resolver *artifact.Resolver
	loader   loader.Loader

	mu          sync.RWMutex
	state       State
	failure     error
	pipeline    *conduitv1alpha1.Pipeline
	hints       []artifact.Coordinate
	result      discovery.Result
	rt          *runtime.Context
	initialized bool
	unit        loader.Unit
	// run numbers RunRoutes calls; a run only moves the state while it is
	// the current one and Close has not claimed it.
	run    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates opts. Misconfiguration fails here with
// artifact.ErrInvalidArgument, before any network access.
func New(opts Options) (*ExecutionContext, error) {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.HostVersion == "" {
		opts.HostVersion = opts.Catalog.Version()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	for name, fn := range opts.Singletons {
		if name == "" || fn == nil {
			return nil, fmt.Errorf("%w: singleton %q has no factory", artifact.ErrInvalidArgument, name)
		}
	}
	logger := opts.Logger.WithValues("pipeline", opts.Name)

	resolver, err := artifact.New(artifact.Options{
		Name:           opts.Name,
		Destination:    opts.Destination,
		CacheDir:       opts.CacheDir,
		Repositories:   opts.Repositories,
		ExcludeDefault: opts.ExcludeDefaultRepository,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	l := opts.Loader
	if l == nil {
		l = loader.Default(nil, loader.ProcessOptions{}, logger)
	}
	e := &ExecutionContext{
		opts:     opts,
		log:      logger,
		catalog:  opts.Catalog,
		analyzer: discovery.New(opts.Catalog),
		resolver: resolver,
		loader:   l,
	}
	recordState(opts.Name, Created)
	return e, nil
}

func (e *ExecutionContext) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.log.Info("lifecycle transition", "from", e.state.String(), "state", s.String())
	e.state = s
	recordState(e.opts.Name, s)
	if e.pipeline != nil {
		e.pipeline.Status.Phase = s.phase()
	}
}

// closedLocked reports whether run is over: superseded by a later run or
// claimed by Stop or Close.
func (e *ExecutionContext) closedLocked(run uint64) bool {
	return e.run != run || e.state == Stopping || e.state == Stopped
}

func (e *ExecutionContext) closed(run uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closedLocked(run)
}

// advance moves run to s unless the run is over.
func (e *ExecutionContext) advance(run uint64, s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closedLocked(run) {
		return false
	}
	e.setStateLocked(s)
	return true
}

// abort ends run after err in phase. A run that Close already ended reports
// ErrClosed and leaves the state alone.
func (e *ExecutionContext) abort(run uint64, phase string, err error) error {
	if e.closed(run) {
		e.log.V(1).Info("run abandoned after close", "phase", phase, "error", err.Error())
		return fmt.Errorf("%w during %s: %w", ErrClosed, phase, err)
	}
	e.markFailed(run, phase, err)
	return err
}

// markFailed records the first failure of a run and moves to Failed.
func (e *ExecutionContext) markFailed(run uint64, phase string, err error) {
	supervisorRunFailuresTotal.WithLabelValues(phase).Inc()
	e.log.Error(err, "pipeline run failed", "phase", phase)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != run {
		return
	}
	if e.failure == nil {
		e.failure = err
	}
	setPipelineCondition(e.pipeline, phaseConditions[phase], metav1.ConditionFalse, ReasonFailed, err.Error())
	if e.pipeline != nil {
		e.pipeline.Status.Message = err.Error()
	}
	// a late failure after Close keeps the context Stopping or Stopped
	if !e.closedLocked(run) {
		e.setStateLocked(Failed)
	}
}

func (e *ExecutionContext) condition(condType string, status metav1.ConditionStatus, reason, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	setPipelineCondition(e.pipeline, condType, status, reason, message)
}

// CreateContext allocates the runtime context eagerly and registers the host
// components. Calling it again returns the same context.
func (e *ExecutionContext) CreateContext() (*runtime.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createContextLocked()
}

func (e *ExecutionContext) createContextLocked() (*runtime.Context, error) {
	if e.rt != nil {
		return e.rt, nil
	}
	if e.state != Created && e.state != Stopped && e.state != Resolving && e.state != Loading {
		return nil, fmt.Errorf("%w: cannot create a context while %s", ErrInvalidState, e.state)
	}
	rt := runtime.New(runtime.Options{
		Name:       e.opts.Name,
		Logger:     e.log,
		Clock:      e.opts.Clock,
		Properties: e.opts.Properties,
	})
	for _, c := range e.opts.HostComponents {
		if err := rt.AddComponent(c); err != nil {
			return nil, fmt.Errorf("host component: %w", err)
		}
	}
	for _, c := range e.opts.HostCodecs {
		if err := rt.AddCodec(c); err != nil {
			return nil, fmt.Errorf("host codec: %w", err)
		}
	}
	e.rt = rt
	return rt, nil
}

// DoInit binds the configured header duplicator and singletons into the
// runtime context so routes can reference them by name. It creates the
// context when needed and runs once per context.
func (e *ExecutionContext) DoInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked()
}

func (e *ExecutionContext) initLocked() error {
	rt, err := e.createContextLocked()
	if err != nil {
		return err
	}
	if e.initialized {
		return nil
	}
	if h := e.opts.HeaderDuplicator; h != nil {
		rt.Bind(h.Name(), h.Processor())
		e.log.V(1).Info("bound header duplicator", "bean", h.Name(), "pairs", len(h.Pairs))
	}
	names := make([]string, 0, len(e.opts.Singletons))
	for name := range e.opts.Singletons {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rt.Bind(name, e.opts.Singletons[name]())
	}
	e.initialized = true
	return nil
}

// LoadSpecFromText parses content and attaches it without starting it.
func (e *ExecutionContext) LoadSpecFromText(content []byte, enc dsl.Encoding) error {
	p, err := dsl.Parse(content, enc)
	if err != nil {
		return &discovery.Error{Err: err}
	}
	return e.LoadSpec(p)
}

// LoadSpec validates p, including template expansion, and attaches a copy.
func (e *ExecutionContext) LoadSpec(p *conduitv1alpha1.Pipeline) error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", artifact.ErrInvalidArgument)
	}
	if err := p.Spec.Validate(); err != nil {
		return &discovery.Error{Err: err}
	}
	if _, err := discovery.Expand(&p.Spec); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Created && e.state != Stopped {
		return fmt.Errorf("%w: cannot load a pipeline while %s", ErrInvalidState, e.state)
	}
	e.pipeline = p.DeepCopy()
	if e.pipeline.Name == "" {
		e.pipeline.Name = e.opts.Name
	}
	e.pipeline.Status = conduitv1alpha1.PipelineStatus{Phase: e.state.phase()}
	return nil
}

// SetAdditionalArtifacts adds coordinates to resolve on top of what
// discovery finds.
func (e *ExecutionContext) SetAdditionalArtifacts(hints []artifact.Coordinate) error {
	for _, h := range hints {
		if err := h.Validate(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hints = append([]artifact.Coordinate(nil), hints...)
	return nil
}

// RunRoutes discovers, resolves, loads and starts the attached pipeline.
// Discovery, resolution and loading errors are returned and leave nothing
// running. A start failure is not returned; it is recorded and observable via
// IsFailed and StartupFailed.
//
// With startSynchronously, RunRoutes polls until the pipeline is running or
// has definitively failed, for at most StartTimeout.
func (e *ExecutionContext) RunRoutes(ctx context.Context, startSynchronously bool) error {
	ctx = log.IntoContext(ctx, e.log)
	runCtx, run, err := e.beginRun(ctx)
	if err != nil {
		return err
	}
	supervisorRunsTotal.Inc()

	// Close cancels runCtx; resolution and loading also end with ctx.
	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()
	defer context.AfterFunc(runCtx, opCancel)()

	if !e.catalog.IsVersionCompatible(e.opts.HostVersion) {
		err := fmt.Errorf("%w: host %s, catalog %s", ErrIncompatibleHost, e.opts.HostVersion, e.catalog.Version())
		return e.abort(run, phaseDiscover, err)
	}

	e.mu.RLock()
	spec := e.pipeline.Spec.DeepCopy()
	hints := e.hints
	e.mu.RUnlock()

	result, err := e.analyzer.Discover(spec, e.opts.Properties)
	if err != nil {
		return e.abort(run, phaseDiscover, err)
	}
	e.mu.Lock()
	e.result = result
	e.mu.Unlock()
	e.condition(ConditionDiscovered, metav1.ConditionTrue, ReasonSucceeded, fmt.Sprintf("%v", result.Summary()))
	e.log.V(1).Info("discovery finished", "result", result.Summary())

	artifacts, err := e.resolve(opCtx, result, hints)
	if err != nil {
		return e.abort(run, phaseResolve, err)
	}
	e.condition(ConditionResolved, metav1.ConditionTrue, ReasonSucceeded, fmt.Sprintf("%d artifacts", len(artifacts)))

	if !e.advance(run, Loading) {
		return fmt.Errorf("%w before %s", ErrClosed, phaseLoad)
	}
	rt, err := e.load(opCtx, run, spec, artifacts)
	if err != nil {
		return e.abort(run, phaseLoad, err)
	}
	e.condition(ConditionLoaded, metav1.ConditionTrue, ReasonSucceeded, fmt.Sprintf("%d routes", len(rt.Routes())))

	if !e.start(runCtx, run, rt) {
		return fmt.Errorf("%w before %s", ErrClosed, phaseStart)
	}
	if !startSynchronously {
		return nil
	}
	err = wait.PollUntilContextTimeout(ctx, e.opts.PollInterval, e.opts.StartTimeout, true, func(context.Context) (bool, error) {
		s := e.State()
		return s == Running || s.Terminal(), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Info("pipeline not started within the start timeout", "timeout", e.opts.StartTimeout.String(), "state", e.State().String())
	}
	return nil
}

// beginRun checks the state, resets what a previous run left behind and
// returns the run's context. Only Stop and Close cancel it.
func (e *ExecutionContext) beginRun(ctx context.Context) (context.Context, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline == nil {
		return nil, 0, fmt.Errorf("%w: no pipeline loaded", ErrInvalidState)
	}
	switch e.state {
	case Created:
	case Stopped:
		if e.unit != nil {
			if err := e.unit.Close(); err != nil {
				e.log.Error(err, "release previous loading unit")
			}
			e.unit = nil
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.rt = nil
		e.initialized = false
		e.failure = nil
		e.done = nil
		e.pipeline.Status = conduitv1alpha1.PipelineStatus{}
	default:
		return nil, 0, fmt.Errorf("%w: cannot run while %s", ErrInvalidState, e.state)
	}
	e.run++
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	setPipelineCondition(e.pipeline, ConditionRunning, metav1.ConditionFalse, ReasonPending, "run requested")
	e.setStateLocked(Resolving)
	return runCtx, e.run, nil
}

// resolve fetches every external capability and codec, then the hints.
func (e *ExecutionContext) resolve(ctx context.Context, result discovery.Result, hints []artifact.Coordinate) ([]artifact.ResolvedArtifact, error) {
	var coords []artifact.Coordinate
	for _, scheme := range sets.List(result.ExternalCapabilities) {
		coords = append(coords, e.catalog.Lookup(catalog.EndpointFamily, scheme))
	}
	for _, name := range sets.List(result.ExternalCodecs) {
		coords = append(coords, e.catalog.Lookup(catalog.CodecFamily, name))
	}
	coords = append(coords, hints...)

	var out []artifact.ResolvedArtifact
	seen := sets.New[string]()
	for _, c := range coords {
		if seen.Has(c.String()) {
			continue
		}
		seen.Insert(c.String())
		resolved, err := e.resolver.Resolve(ctx, c, "")
		if err != nil {
			return nil, err
		}
		for _, a := range resolved {
			if seen.Has(a.Path) {
				continue
			}
			seen.Insert(a.Path)
			out = append(out, a)
		}
	}
	return out, nil
}

// load builds the loading unit and a runtime context bound to it. On error
// the unit is released again unless Close already took it.
func (e *ExecutionContext) load(ctx context.Context, run uint64, spec *conduitv1alpha1.PipelineSpec, artifacts []artifact.ResolvedArtifact) (*runtime.Context, error) {
	var unit loader.Unit
	if len(artifacts) > 0 {
		u, err := e.loader.Load(ctx, e.resolver.Destination(), artifacts)
		if err != nil {
			return nil, fmt.Errorf("load artifacts: %w", err)
		}
		unit = u
	}

	e.mu.Lock()
	if e.closedLocked(run) {
		e.mu.Unlock()
		if unit != nil {
			if err := unit.Close(); err != nil {
				e.log.Error(err, "release loading unit")
			}
		}
		return nil, ErrClosed
	}
	e.unit = unit
	err := e.initLocked()
	rt := e.rt
	e.mu.Unlock()
	if err == nil {
		err = e.bind(rt, unit, spec)
	}
	if err != nil {
		e.releaseUnit(unit)
		return nil, err
	}
	return rt, nil
}

func (e *ExecutionContext) bind(rt *runtime.Context, unit loader.Unit, spec *conduitv1alpha1.PipelineSpec) error {
	if unit != nil {
		for _, c := range unit.Components() {
			if err := rt.AddComponent(c); err != nil {
				return err
			}
		}
		for _, c := range unit.Codecs() {
			if err := rt.AddCodec(c); err != nil {
				return err
			}
		}
	}
	return rt.LoadSpec(spec)
}

// releaseUnit closes unit if it is still the current one.
func (e *ExecutionContext) releaseUnit(unit loader.Unit) {
	if unit == nil {
		return
	}
	e.mu.Lock()
	owned := e.unit == unit
	if owned {
		e.unit = nil
	}
	e.mu.Unlock()
	if !owned {
		return
	}
	if err := unit.Close(); err != nil {
		e.log.Error(err, "release loading unit")
	}
}

// start runs rt on the supervising goroutine under runCtx, which outlives
// the RunRoutes caller; only Stop and Close end it. It reports false when
// the run was closed first.
func (e *ExecutionContext) start(runCtx context.Context, run uint64, rt *runtime.Context) bool {
	done := make(chan struct{})
	e.mu.Lock()
	if e.closedLocked(run) {
		e.mu.Unlock()
		return false
	}
	e.done = done
	e.setStateLocked(Starting)
	e.mu.Unlock()

	go func() {
		defer func() {
			// a Stop that raced the start or a failure still ends in Stopped
			e.mu.Lock()
			if e.run == run && e.state == Stopping {
				e.setStateLocked(Stopped)
			}
			e.mu.Unlock()
			close(done)
		}()
		if err := rt.Start(runCtx); err != nil {
			e.markFailed(run, phaseStart, err)
			return
		}
		e.mu.Lock()
		if e.run == run && e.state == Starting {
			e.setStateLocked(Running)
			setPipelineCondition(e.pipeline, ConditionRunning, metav1.ConditionTrue, ReasonSucceeded, fmt.Sprintf("%d routes running", len(rt.Routes())))
		}
		e.mu.Unlock()

		select {
		case <-rt.Done():
		case <-runCtx.Done():
			rt.Stop()
			<-rt.Done()
		}
		if err := rt.Err(); err != nil {
			e.markFailed(run, phaseRun, err)
			return
		}
		e.mu.Lock()
		if e.run == run && (e.state == Running || e.state == Stopping) {
			e.setStateLocked(Stopped)
			setPipelineCondition(e.pipeline, ConditionRunning, metav1.ConditionFalse, ReasonStopped, "routes stopped")
		}
		e.mu.Unlock()
	}()
	return true
}

// Stop asks a running pipeline to stop without waiting for it; see Wait.
func (e *ExecutionContext) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Starting, Running:
		e.setStateLocked(Stopping)
		e.cancel()
		return nil
	case Stopping, Stopped:
		return nil
	default:
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, e.state)
	}
}

// Wait blocks until the supervising goroutine returns or ctx is done. It
// reports whether the goroutine is gone.
func (e *ExecutionContext) Wait(ctx context.Context) bool {
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops whatever runs, including a run still resolving or loading,
// waits up to StopTimeout for the supervising goroutine, releases the loading
// unit and ends in Stopped, passing through Stopping. It is valid in every
// state and may be called repeatedly.
func (e *ExecutionContext) Close() error {
	e.mu.Lock()
	if e.state != Stopped {
		e.setStateLocked(Stopping)
	}
	cancel, done, rt := e.cancel, e.done, e.rt
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil && rt != nil {
		rt.Stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(e.opts.StopTimeout):
			e.log.Info("supervising goroutine did not stop in time, releasing anyway", "timeout", e.opts.StopTimeout.String())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.unit != nil {
		if err = e.unit.Close(); err != nil {
			e.log.Error(err, "release loading unit")
		}
		e.unit = nil
	}
	e.setStateLocked(Stopped)
	return err
}

func (e *ExecutionContext) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *ExecutionContext) IsStarted() bool { return e.State() == Running }

func (e *ExecutionContext) IsFailed() bool { return e.State() == Failed }

func (e *ExecutionContext) IsStopped() bool { return e.State() == Stopped }

// StartupFailed returns the error that failed the current run, or nil.
func (e *ExecutionContext) StartupFailed() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failure
}

// Discovery returns the result of the last discovery pass.
func (e *ExecutionContext) Discovery() discovery.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result
}

// Pipeline returns a copy of the attached pipeline whose status reflects the
// lifecycle.
func (e *ExecutionContext) Pipeline() *conduitv1alpha1.Pipeline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pipeline == nil {
		return nil
	}
	return e.pipeline.DeepCopy()
}

// Runtime returns the runtime context, or nil before CreateContext.
func (e *ExecutionContext) Runtime() *runtime.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rt
}

// Resolver exposes the resolver, for callers that pre-fetch artifacts.
func (e *ExecutionContext) Resolver() *artifact.Resolver { return e.resolver }
