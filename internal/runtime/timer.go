package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/anvil-platform/conduit/plugin"
)

// Headers set on every timer message.
const (
	TimerNameHeader    = "timer.name"
	TimerCounterHeader = "timer.counter"
	TimerFiredHeader   = "timer.firedTime"
)

type timerComponent struct {
	clock clock.WithTicker
}

func newTimerComponent(c *Context) plugin.Component { return &timerComponent{clock: c.clock} }

func (t *timerComponent) Scheme() string { return "timer" }

// Endpoint parses timer:name?period=1s&delay=0&repeatCount=0. Durations
// without a unit are milliseconds; repeatCount 0 fires forever.
func (t *timerComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	name, q, err := endpointName(uri)
	if err != nil {
		return nil, err
	}
	ep := &timerEndpoint{uri: uri, name: name, clock: t.clock, period: time.Second}
	if v := first(q, "period"); v != "" {
		if ep.period, err = parseMillis(v); err != nil || ep.period <= 0 {
			return nil, fmt.Errorf("timer period %q must be a positive duration", v)
		}
	}
	if v := first(q, "delay"); v != "" {
		if ep.delay, err = parseMillis(v); err != nil || ep.delay < 0 {
			return nil, fmt.Errorf("timer delay %q must be a non-negative duration", v)
		}
	}
	if v := first(q, "repeatCount"); v != "" {
		if ep.repeat, err = strconv.Atoi(v); err != nil || ep.repeat < 0 {
			return nil, fmt.Errorf("timer repeatCount %q must be a non-negative integer", v)
		}
	}
	return ep, nil
}

func parseMillis(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

type timerEndpoint struct {
	uri    string
	name   string
	clock  clock.WithTicker
	period time.Duration
	delay  time.Duration
	repeat int
}

func (e *timerEndpoint) URI() string { return e.uri }

// Consume fires after delay and then every period until repeatCount messages
// have been emitted or ctx is done. Processing errors are logged; the timer
// keeps firing.
func (e *timerEndpoint) Consume(ctx context.Context, next plugin.Processor) error {
	logger := log.FromContext(ctx).WithValues("endpoint", e.uri)
	counter := 0
	fire := func() bool {
		counter++
		msg := plugin.NewMessage(nil)
		msg.SetHeader(TimerNameHeader, e.name)
		msg.SetHeader(TimerCounterHeader, counter)
		msg.SetHeader(TimerFiredHeader, e.clock.Now())
		if err := next.Process(ctx, msg); err != nil {
			logger.Error(err, "processing failed", "message", msg.ID)
		}
		return e.repeat > 0 && counter >= e.repeat
	}

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.delay):
		}
	}
	if fire() {
		return nil
	}
	ticker := e.clock.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if fire() {
				return nil
			}
		}
	}
}
