package main

// Local run:
//
//	docker run --rm -p 4222:4222 nats:2
//	go build -o conduit-nats.plugin .
//
// Place the binary in a repository as the conduit-nats artifact, or point the
// probe at a hand-started instance:
//
//	NATS_URL=nats://127.0.0.1:4222 ./conduit-nats.plugin --socket /tmp/nats.sock
//	go run ./cmd/conduit-plugin-probe --socket /tmp/nats.sock

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/anvil-platform/conduit/modules/nats-plugin/bus"
	"github.com/anvil-platform/conduit/plugin"
)

const clientName = "conduit-nats-plugin"

func main() {
	var socket string
	var shutdownTimeout time.Duration
	flag.StringVar(&socket, "socket", "", "unix socket to serve on")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful stop timeout")
	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts)).WithName(clientName)
	if socket == "" {
		fmt.Fprintln(os.Stderr, "--socket is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	comp := newNATSComponent(os.Getenv("NATS_URL"), func(url string) (bus.Conn, error) {
		return bus.Connect(url, clientName)
	}, logger)
	defer func() {
		if err := comp.Close(); err != nil {
			logger.Error(err, "close nats connections")
		}
	}()

	err := plugin.Serve(ctx, plugin.ServeOptions{Socket: socket, ShutdownTimeout: shutdownTimeout, Logger: logger},
		[]plugin.Component{comp}, nil)
	if err != nil {
		logger.Error(err, "serve")
		os.Exit(1)
	}
}
