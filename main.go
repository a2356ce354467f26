package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/yaml"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/internal/dsl"
	"github.com/anvil-platform/conduit/internal/loader"
	"github.com/anvil-platform/conduit/internal/supervisor"
)

var setupLog = ctrl.Log.WithName("setup")

// repeated collects a flag given several times.
type repeated []string

func (r *repeated) String() string { return strings.Join(*r, ",") }

func (r *repeated) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var pipelinePath string
	var name string
	var destination string
	var cacheDir string
	var repositories repeated
	var noDefaultRepository bool
	var hints repeated
	var propertiesPath string
	var metricsAddr string
	var probeAddr string
	var startTimeout time.Duration
	var stopTimeout time.Duration

	flag.StringVar(&pipelinePath, "pipeline", "", "Pipeline file (.xml, .yaml, .yml or .json).")
	flag.StringVar(&name, "name", "", "Logical run name. Defaults to the pipeline's metadata name.")
	flag.StringVar(&destination, "destination", "", "Directory resolved artifacts are copied into. Defaults to a temporary directory.")
	flag.StringVar(&cacheDir, "cache-dir", "", "Artifact cache root. Defaults to $"+artifact.CacheDirEnv+" or ~/.conduit/artifacts.")
	flag.Var(&repositories, "repository", "Extra artifact repository URL (http, https, s3 or file); repeatable.")
	flag.BoolVar(&noDefaultRepository, "no-default-repository", false, "Do not consult the default repository.")
	flag.Var(&hints, "artifact", "Additional artifact coordinate (group:name:version); repeatable.")
	flag.StringVar(&propertiesPath, "properties", "", "YAML file of placeholder properties.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.DurationVar(&startTimeout, "start-timeout", 30*time.Second, "How long to wait for the pipeline to start.")
	flag.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "How long to wait for the pipeline to stop.")

	opts := zap.Options{Development: true, TimeEncoder: zapcore.ISO8601TimeEncoder}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if pipelinePath == "" {
		setupLog.Error(errors.New("--pipeline is required"), "invalid flags")
		os.Exit(2)
	}
	content, err := os.ReadFile(pipelinePath)
	if err != nil {
		setupLog.Error(err, "unable to read pipeline")
		os.Exit(1)
	}
	enc, err := dsl.DetectEncoding(pipelinePath)
	if err != nil {
		setupLog.Error(err, "unable to detect pipeline encoding")
		os.Exit(1)
	}
	if name == "" {
		p, err := dsl.Parse(content, enc)
		if err != nil {
			setupLog.Error(err, "unable to parse pipeline")
			os.Exit(1)
		}
		name = p.Name
	}
	properties, err := readProperties(propertiesPath)
	if err != nil {
		setupLog.Error(err, "unable to read properties")
		os.Exit(1)
	}
	coords := make([]artifact.Coordinate, 0, len(hints))
	for _, h := range hints {
		c, err := artifact.ParseCoordinate(h)
		if err != nil {
			setupLog.Error(err, "invalid artifact hint", "artifact", h)
			os.Exit(2)
		}
		coords = append(coords, c)
	}
	if destination == "" {
		if destination, err = os.MkdirTemp("", "conduit-"+name+"-"); err != nil {
			setupLog.Error(err, "unable to create destination")
			os.Exit(1)
		}
		defer os.RemoveAll(destination)
	}

	logger := ctrl.Log.WithName("supervisor")
	ec, err := supervisor.New(supervisor.Options{
		Name:                     name,
		Destination:              destination,
		CacheDir:                 cacheDir,
		Repositories:             repositories,
		ExcludeDefaultRepository: noDefaultRepository,
		Properties:               properties,
		Loader:                   loader.Default(nil, loader.ProcessOptions{StopTimeout: stopTimeout}, logger.WithName("loader")),
		StartTimeout:             startTimeout,
		StopTimeout:              stopTimeout,
		Logger:                   logger,
	})
	if err != nil {
		setupLog.Error(err, "unable to create supervisor")
		os.Exit(1)
	}
	if err := ec.LoadSpecFromText(content, enc); err != nil {
		setupLog.Error(err, "unable to load pipeline")
		os.Exit(1)
	}
	if err := ec.SetAdditionalArtifacts(coords); err != nil {
		setupLog.Error(err, "invalid artifact hints")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	serve(ctx, metricsAddr, "metrics", metricsHandler())
	serve(ctx, probeAddr, "health probes", probeHandler(ec))

	setupLog.Info("starting pipeline", "pipeline", name, "destination", destination)
	if err := ec.RunRoutes(ctx, true); err != nil {
		setupLog.Error(err, "unable to run pipeline")
		_ = ec.Close()
		os.Exit(1)
	}
	if !ec.IsStarted() {
		err := ec.StartupFailed()
		if err == nil {
			err = fmt.Errorf("pipeline not started within %s", startTimeout)
		}
		setupLog.Error(err, "pipeline failed to start")
		_ = ec.Close()
		os.Exit(1)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			setupLog.Info("shutting down")
			running = false
		case <-ticker.C:
			running = !ec.State().Terminal()
		}
	}
	failed := ec.IsFailed()
	if err := ec.Close(); err != nil {
		setupLog.Error(err, "problem releasing pipeline")
	}
	if failed {
		setupLog.Error(ec.StartupFailed(), "pipeline failed")
		os.Exit(1)
	}
}

func readProperties(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	props := map[string]string{}
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return props, nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func probeHandler(ec *supervisor.ExecutionContext) http.Handler {
	ready := func(*http.Request) error {
		if !ec.IsStarted() {
			return fmt.Errorf("pipeline is %s", ec.State())
		}
		return nil
	}
	mux := http.NewServeMux()
	for path, h := range map[string]http.Handler{
		"/healthz": &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}},
		"/readyz":  &healthz.Handler{Checks: map[string]healthz.Checker{"pipeline": ready}},
	} {
		mux.Handle(path, http.StripPrefix(path, h))
		mux.Handle(path+"/", http.StripPrefix(path, h))
	}
	return mux
}

// serve runs h on addr until ctx is done. "0" disables it.
func serve(ctx context.Context, addr, what string, h http.Handler) {
	if addr == "" || addr == "0" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "server stopped", "server", what)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
