package loader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/anvil-platform/conduit/internal/artifact"
	"github.com/anvil-platform/conduit/plugin"
)

const (
	// SocketFlag is passed to plugin processes along with the socket path.
	SocketFlag = "--socket"

	defaultReadyTimeout = 10 * time.Second
	defaultStopTimeout  = 5 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// ProcessOptions configure plugin processes.
type ProcessOptions struct {
	// SocketDir holds the per-unit socket directory. Defaults to os.TempDir.
	SocketDir string
	// ReadyTimeout bounds how long a plugin may take to report SERVING.
	ReadyTimeout time.Duration
	// StopTimeout bounds the wait after SIGTERM before the process is killed.
	StopTimeout  time.Duration
	PollInterval time.Duration
	// Env is appended to the host environment of each process.
	Env    []string
	Logger logr.Logger
}

// ProcessLoader launches executable artifacts as plugin processes and talks
// to them over a unix socket. Each unit gets its own processes, so units are
// isolated from each other and from the host.
type ProcessLoader struct {
	opts ProcessOptions
}

func NewProcessLoader(opts ProcessOptions) *ProcessLoader {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &ProcessLoader{opts: opts}
}

// Accepts takes *.plugin files and extensionless executables.
func (p *ProcessLoader) Accepts(a artifact.ResolvedArtifact) bool {
	switch filepath.Ext(a.Path) {
	case ".plugin":
		return true
	case "":
		info, err := os.Stat(a.Path)
		return err == nil && info.Mode().IsRegular() && info.Mode()&0o111 != 0
	}
	return false
}

func (p *ProcessLoader) Load(ctx context.Context, _ string, artifacts []artifact.ResolvedArtifact) (Unit, error) {
	sockets, err := os.MkdirTemp(p.opts.SocketDir, "conduit-")
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	u := &processUnit{loader: p, sockets: sockets}
	for i, a := range artifacts {
		proc, err := p.launch(ctx, a, filepath.Join(sockets, fmt.Sprintf("%d.sock", i)))
		if err != nil {
			if cerr := u.Close(); cerr != nil {
				p.opts.Logger.Error(cerr, "release plugin processes")
			}
			return nil, err
		}
		u.procs = append(u.procs, proc)
	}
	return u, nil
}

type process struct {
	path   string
	cmd    *exec.Cmd
	client *plugin.Client
	exited chan struct{}
	err    error
}

func (p *ProcessLoader) launch(ctx context.Context, a artifact.ResolvedArtifact, socket string) (*process, error) {
	logger := p.opts.Logger.WithValues("plugin", filepath.Base(a.Path))

	cmd := exec.Command(a.Path, SocketFlag, socket)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	out := &lineLogger{logger: logger}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin %s: %w", a.Path, err)
	}
	proc := &process{path: a.Path, cmd: cmd, exited: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		out.flush()
		close(proc.exited)
	}()

	client, err := plugin.Dial(ctx, socket)
	if err != nil {
		p.stop(proc)
		return nil, err
	}
	proc.client = client

	err = wait.PollUntilContextTimeout(ctx, p.opts.PollInterval, p.opts.ReadyTimeout, true, func(ctx context.Context) (bool, error) {
		select {
		case <-proc.exited:
			return false, fmt.Errorf("plugin exited before serving: %v", proc.err)
		default:
		}
		ok, err := client.Healthy(ctx)
		if err != nil {
			// socket not there yet
			return false, nil
		}
		return ok, nil
	})
	if err != nil {
		p.stop(proc)
		return nil, fmt.Errorf("plugin %s not ready: %w", a.Path, err)
	}

	desc, err := client.Describe(ctx)
	if err != nil {
		p.stop(proc)
		return nil, fmt.Errorf("plugin %s: %w", a.Path, err)
	}
	logger.V(1).Info("plugin process ready", "pid", cmd.Process.Pid, "components", desc.Components, "codecs", desc.Codecs)
	return proc, nil
}

// stop asks the process to exit and kills it when it does not in time.
func (p *ProcessLoader) stop(proc *process) error {
	var errs []error
	if proc.client != nil {
		if err := proc.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-proc.exited:
		return utilerrors.NewAggregate(errs)
	default:
	}
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.opts.Logger.V(1).Info("signal failed, killing", "plugin", proc.path, "error", err.Error())
		_ = proc.cmd.Process.Kill()
	}
	select {
	case <-proc.exited:
	case <-time.After(p.opts.StopTimeout):
		p.opts.Logger.Info("plugin ignored SIGTERM, killing", "plugin", proc.path)
		if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill plugin %s: %w", proc.path, err))
		}
		<-proc.exited
	}
	return utilerrors.NewAggregate(errs)
}

type processUnit struct {
	loader  *ProcessLoader
	sockets string
	procs   []*process
	once    sync.Once
	err     error
}

func (u *processUnit) Components() []plugin.Component {
	var out []plugin.Component
	for _, p := range u.procs {
		out = append(out, p.client.Components()...)
	}
	return out
}

func (u *processUnit) Codecs() []plugin.Codec {
	var out []plugin.Codec
	for _, p := range u.procs {
		out = append(out, p.client.Codecs()...)
	}
	return out
}

func (u *processUnit) Close() error {
	u.once.Do(func() {
		var errs []error
		for i := len(u.procs) - 1; i >= 0; i-- {
			if err := u.loader.stop(u.procs[i]); err != nil {
				errs = append(errs, err)
			}
		}
		if err := os.RemoveAll(u.sockets); err != nil {
			errs = append(errs, err)
		}
		u.err = utilerrors.NewAggregate(errs)
	})
	return u.err
}

// lineLogger forwards process output to the logger one line at a time.
type lineLogger struct {
	logger logr.Logger
	mu     sync.Mutex
	buf    strings.Builder
}

var _ io.Writer = (*lineLogger)(nil)

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	s := l.buf.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return len(p), nil
	}
	sc := bufio.NewScanner(strings.NewReader(s[:idx]))
	for sc.Scan() {
		l.logger.Info(sc.Text())
	}
	l.buf.Reset()
	l.buf.WriteString(s[idx+1:])
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.logger.Info(l.buf.String())
		l.buf.Reset()
	}
}
