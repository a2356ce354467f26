package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anvil-platform/conduit/plugin"
)

func main() {
	var socket string
	var timeout time.Duration
	flag.StringVar(&socket, "socket", "", "unix socket the plugin serves on")
	flag.DurationVar(&timeout, "timeout", 3*time.Second, "probe timeout")
	flag.Parse()

	if socket == "" {
		fmt.Fprintln(os.Stderr, "--socket is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := plugin.Dial(ctx, socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ok, err := c.Healthy(ctx)
	if err != nil {
		fmt.Printf("health check error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("plugin not serving")
		os.Exit(1)
	}

	desc, err := c.Describe(ctx)
	if err != nil {
		fmt.Printf("describe error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("plugin ok: protocol=%s components=[%s] codecs=[%s]\n",
		desc.Protocol, strings.Join(desc.Components, ","), strings.Join(desc.Codecs, ","))
}
