package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/wait"
)

type recordingComponent struct {
	mu   sync.Mutex
	sent []*Message
}

func (r *recordingComponent) Scheme() string { return "rec" }

func (r *recordingComponent) Endpoint(uri string) (Endpoint, error) {
	if strings.Contains(uri, "broken") {
		return &brokenEndpoint{uri: uri}, nil
	}
	return &recordingEndpoint{uri: uri, comp: r}, nil
}

type recordingEndpoint struct {
	uri  string
	comp *recordingComponent
}

func (e *recordingEndpoint) URI() string { return e.uri }

func (e *recordingEndpoint) Send(_ context.Context, msg *Message) error {
	e.comp.mu.Lock()
	defer e.comp.mu.Unlock()
	e.comp.sent = append(e.comp.sent, msg)
	return nil
}

func (e *recordingEndpoint) Consume(ctx context.Context, next Processor) error {
	for i := 0; i < 2; i++ {
		msg := NewMessage([]byte("tick"))
		msg.SetHeader("i", i)
		if err := next.Process(ctx, msg); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

type brokenEndpoint struct{ uri string }

func (e *brokenEndpoint) URI() string { return e.uri }

func (e *brokenEndpoint) Start(context.Context) error { return errors.New("cannot connect") }

func (e *brokenEndpoint) Consume(ctx context.Context, _ Processor) error {
	<-ctx.Done()
	return nil
}

type reverseCodec struct{}

func (reverseCodec) Name() string { return "reverse" }

func (reverseCodec) Marshal(_ context.Context, msg *Message) error {
	for i, j := 0, len(msg.Body)-1; i < j; i, j = i+1, j-1 {
		msg.Body[i], msg.Body[j] = msg.Body[j], msg.Body[i]
	}
	msg.SetHeader("reversed", true)
	return nil
}

func (c reverseCodec) Unmarshal(ctx context.Context, msg *Message) error { return c.Marshal(ctx, msg) }

func startPlugin(t *testing.T, comp Component) *Client {
	t.Helper()
	// Unix socket paths are length-limited; keep it short.
	dir, err := os.MkdirTemp("", "cpl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "p.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ServeOptions{Socket: socket, Logger: testr.New(t)}, []Component{comp}, []Codec{reverseCodec{}})
	}()

	client, err := Dial(ctx, socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	if err := wait.PollUntilContextTimeout(ctx, 20*time.Millisecond, 5*time.Second, true, func(ctx context.Context) (bool, error) {
		ok, err := client.Healthy(ctx)
		return ok && err == nil, nil
	}); err != nil {
		t.Fatalf("plugin never became healthy: %v", err)
	}
	return client
}

func TestServeAndDial(t *testing.T) {
	comp := &recordingComponent{}
	client := startPlugin(t, comp)
	ctx := context.Background()

	desc, err := client.Describe(ctx)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	want := Description{Protocol: ProtocolVersion, Components: []string{"rec"}, Codecs: []string{"reverse"}}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Fatalf("unexpected description (-want +got):\n%s", diff)
	}

	comps := client.Components()
	if len(comps) != 1 || comps[0].Scheme() != "rec" {
		t.Fatalf("unexpected proxies %v", comps)
	}
	ep, err := comps[0].Endpoint("rec:out")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	msg := NewMessage([]byte("hello"))
	msg.SetHeader("k", "v")
	if err := ep.(Producer).Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	comp.mu.Lock()
	if len(comp.sent) != 1 || string(comp.sent[0].Body) != "hello" || comp.sent[0].Headers["k"] != "v" {
		t.Fatalf("unexpected delivery %v", comp.sent)
	}
	comp.mu.Unlock()

	codec := client.Codecs()[0]
	if err := codec.Marshal(ctx, msg); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(msg.Body) != "olleh" || msg.Headers["reversed"] != true {
		t.Fatalf("unexpected codec result %q %v", msg.Body, msg.Headers)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src, err := comps[0].Endpoint("rec:in")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := src.(Starter).Start(consumeCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := make(chan *Message, 2)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.(Consumer).Consume(consumeCtx, ProcessorFunc(func(_ context.Context, m *Message) error {
			got <- m
			return nil
		}))
	}()
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			if m.Headers["i"] != float64(i) {
				t.Fatalf("unexpected message %d: %v", i, m.Headers)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestRemoteStartFailure(t *testing.T) {
	client := startPlugin(t, &recordingComponent{})
	if _, err := client.Describe(context.Background()); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	ep, err := client.Components()[0].Endpoint("rec:broken")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = ep.(Starter).Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "cannot connect") {
		t.Fatalf("expected remote start failure, got %v", err)
	}
}
