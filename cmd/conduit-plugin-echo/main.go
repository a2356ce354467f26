package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/anvil-platform/conduit/plugin"
)

// echoComponent answers "echo:<name>" URIs. As a source it emits the
// configured message every period; as a sink it logs what it receives.
type echoComponent struct {
	log logr.Logger
}

func (c *echoComponent) Scheme() string { return "echo" }

func (c *echoComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	_, rest, err := plugin.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	name, q, err := plugin.ParseRest(rest)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: echo endpoint needs a name: %q", plugin.ErrMalformedURI, uri)
	}
	e := &echoEndpoint{uri: uri, name: name, message: "hello", period: time.Second, log: c.log.WithValues("endpoint", name)}
	if v := q.Get("message"); v != "" {
		e.message = v
	}
	if v := q.Get("period"); v != "" {
		if e.period, err = time.ParseDuration(v); err != nil || e.period <= 0 {
			return nil, fmt.Errorf("%w: period %q", plugin.ErrMalformedURI, v)
		}
	}
	if v := q.Get("count"); v != "" {
		if e.count, err = strconv.Atoi(v); err != nil || e.count < 0 {
			return nil, fmt.Errorf("%w: count %q", plugin.ErrMalformedURI, v)
		}
	}
	return e, nil
}

type echoEndpoint struct {
	uri     string
	name    string
	message string
	period  time.Duration
	// count stops the source after that many messages; 0 is unbounded.
	count int
	log   logr.Logger
}

func (e *echoEndpoint) URI() string { return e.uri }

func (e *echoEndpoint) Send(_ context.Context, msg *plugin.Message) error {
	e.log.Info("echo", "id", msg.ID, "body", string(msg.Body))
	return nil
}

func (e *echoEndpoint) Consume(ctx context.Context, next plugin.Processor) error {
	t := time.NewTicker(e.period)
	defer t.Stop()
	for i := 1; e.count == 0 || i <= e.count; i++ {
		msg := plugin.NewMessage([]byte(e.message))
		msg.SetHeader("echoName", e.name)
		msg.SetHeader("echoCounter", i)
		if err := next.Process(ctx, msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	<-ctx.Done()
	return nil
}

// upperCodec upper-cases on marshal and lower-cases on unmarshal.
type upperCodec struct{}

func (upperCodec) Name() string { return "upper" }

func (upperCodec) Marshal(_ context.Context, msg *plugin.Message) error {
	msg.Body = []byte(strings.ToUpper(string(msg.Body)))
	return nil
}

func (upperCodec) Unmarshal(_ context.Context, msg *plugin.Message) error {
	msg.Body = []byte(strings.ToLower(string(msg.Body)))
	return nil
}

// Register is the entry point when built with -buildmode=plugin.
func Register(r plugin.Registrar) {
	r.RegisterComponent(&echoComponent{log: log.Log.WithName("echo")})
	r.RegisterCodec(upperCodec{})
}

func main() {
	var socket string
	var shutdownTimeout time.Duration
	flag.StringVar(&socket, "socket", "", "unix socket to serve on")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful stop timeout")
	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts)).WithName("conduit-plugin-echo")
	log.SetLogger(logger)
	if socket == "" {
		fmt.Fprintln(os.Stderr, "--socket is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	comp := &echoComponent{log: logger}
	err := plugin.Serve(ctx, plugin.ServeOptions{Socket: socket, ShutdownTimeout: shutdownTimeout, Logger: logger},
		[]plugin.Component{comp}, []plugin.Codec{upperCodec{}})
	if err != nil {
		logger.Error(err, "serve")
		os.Exit(1)
	}
}
