package e2e

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/anvil-platform/conduit/internal/artifact"
)

const pipelineYAML = `apiVersion: conduit.anvil.dev/v1alpha1
kind: Pipeline
metadata:
  name: smoke
spec:
  routes:
  - id: greet
    steps:
    - endpoint: {uri: "echo:greeter?message=hello&period=100ms"}
    - codec: {library: upper}
    - endpoint: {uri: "log:greetings?showBody=true"}
`

// TestE2ESmoke_EchoPlugin builds the host and the echo plugin, publishes the
// plugin into a file repository and runs a pipeline that needs it.
func TestE2ESmoke_EchoPlugin(t *testing.T) {
	if os.Getenv("CONDUIT_E2E") == "" {
		t.Skip("set CONDUIT_E2E=1 to run the process-based smoke test")
	}
	if runtime.GOOS == "windows" {
		t.Skip("plugin processes talk over unix sockets")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go not found in PATH")
	}

	repoRoot := findRepoRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	work := t.TempDir()
	bin := filepath.Join(work, "bin")
	host := filepath.Join(bin, "conduit")
	runOrFail(t, ctx, repoRoot, nil, "go", "build", "-o", host, ".")

	repo := filepath.Join(work, "repo")
	echo := artifact.Coordinate{Group: "dev.anvil.conduit.examples", Name: "conduit-plugin-echo", Version: "4.8.0"}
	payload := filepath.Join(bin, echo.Name+".plugin")
	runOrFail(t, ctx, repoRoot, nil, "go", "build", "-o", payload, "./cmd/conduit-plugin-echo")
	publish(t, repo, echo, payload)

	pipeline := filepath.Join(work, "smoke.yaml")
	if err := os.WriteFile(pipeline, []byte(pipelineYAML), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}

	metricsPort := pickFreePort(t)
	probePort := pickFreePort(t)
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, host,
		"--pipeline", pipeline,
		"--repository", "file://"+repo,
		"--no-default-repository",
		"--destination", filepath.Join(work, "dest"),
		"--cache-dir", filepath.Join(work, "cache"),
		"--metrics-bind-address", fmt.Sprintf("127.0.0.1:%d", metricsPort),
		"--health-probe-bind-address", fmt.Sprintf("127.0.0.1:%d", probePort),
	)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start host: %v", err)
	}
	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		if t.Failed() {
			t.Logf("host output:\n%s", out.String())
		}
	})

	readyz := fmt.Sprintf("http://127.0.0.1:%d/readyz", probePort)
	err := wait.PollUntilContextTimeout(ctx, 250*time.Millisecond, 2*time.Minute, true, func(ctx context.Context) (bool, error) {
		code, _, err := httpGet(ctx, readyz)
		return err == nil && code == http.StatusOK, nil
	})
	if err != nil {
		t.Fatalf("pipeline never became ready: %v", err)
	}

	_, body, err := httpGet(ctx, fmt.Sprintf("http://127.0.0.1:%d/metrics", metricsPort))
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	for _, metric := range []string{"conduit_supervisor_runs_total", "conduit_artifact_fetch_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics missing %s", metric)
		}
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal host: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("host exited with %v", err)
	}
	if !strings.Contains(out.String(), "HELLO") {
		t.Fatalf("expected upper-cased greetings in the host log")
	}
}

// publish lays payload out the way a file repository serves it.
func publish(t *testing.T, repo string, c artifact.Coordinate, payload string) {
	t.Helper()
	data, err := os.ReadFile(payload)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	dir := filepath.Join(repo, filepath.FromSlash(c.RepositoryPath()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := filepath.Base(payload)
	if err := os.WriteFile(filepath.Join(dir, file), data, 0o755); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	sum := sha256.Sum256(data)
	desc, err := json.Marshal(artifact.Descriptor{Coordinate: c, File: file, SHA256: hex.EncodeToString(sum[:])})
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, c.Name+"-"+c.Version+".json"), desc, 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

func httpGet(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), err
}

func pickFreePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func findRepoRoot(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// e2e/smoke_test.go -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), ".."))
}

func runOrFail(t *testing.T, ctx context.Context, dir string, env []string, name string, args ...string) string {
	t.Helper()

	out, err := runOut(ctx, dir, env, name, args...)
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, out)
	}
	return out
}

func runOut(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
