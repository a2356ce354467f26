package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const subscriptionBuffer = 256

type natsConn struct {
	nc *nats.Conn
}

// Connect dials url, or nats.DefaultURL when url is empty, and keeps
// reconnecting for the life of the connection.
func Connect(url, clientName string) (Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &natsConn{nc: nc}, nil
}

func (c *natsConn) Publish(ctx context.Context, msg *Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := nats.NewMsg(msg.Subject)
	out.Reply = msg.Reply
	out.Data = msg.Data
	for k, vs := range msg.Header {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	return c.nc.PublishMsg(out)
}

func (c *natsConn) Subscribe(subject, queue string) (Subscription, error) {
	ch := make(chan *nats.Msg, subscriptionBuffer)
	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = c.nc.ChanQueueSubscribe(subject, queue, ch)
	} else {
		sub, err = c.nc.ChanSubscribe(subject, ch)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s := &natsSubscription{sub: sub, in: ch, out: make(chan *Msg), done: make(chan struct{})}
	go s.forward()
	return s, nil
}

func (c *natsConn) Close() error {
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	in   chan *nats.Msg
	out  chan *Msg
	done chan struct{}
	once sync.Once
}

func (s *natsSubscription) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m := <-s.in:
			msg := &Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data, Header: map[string][]string(m.Header)}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscription) C() <-chan *Msg { return s.out }

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
