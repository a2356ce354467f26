// Package bus is the seam between the nats component and a NATS connection.
package bus

import "context"

// Msg is one message on a subject.
type Msg struct {
	Subject string
	Reply   string
	Header  map[string][]string
	Data    []byte
}

// Subscription delivers messages until Unsubscribe.
type Subscription interface {
	C() <-chan *Msg
	Unsubscribe() error
}

// Conn is the subset of a NATS connection the component needs.
type Conn interface {
	Publish(ctx context.Context, msg *Msg) error
	// Subscribe joins queue when it is non-empty.
	Subscribe(subject, queue string) (Subscription, error)
	Close() error
}
