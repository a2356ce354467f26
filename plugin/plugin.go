// Package plugin is the contract between the conduit runtime and capability
// implementations. In-process plugins export a Register function of type
// RegisterFunc; out-of-process plugins call Serve.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var reScheme = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*$`)

// ErrMalformedURI is returned for endpoint URIs without a valid scheme.
var ErrMalformedURI = errors.New("malformed endpoint uri")

// Message is the unit of data flowing through a route.
type Message struct {
	ID      string
	Headers map[string]any
	Body    []byte
}

func NewMessage(body []byte) *Message {
	return &Message{ID: uuid.NewString(), Headers: map[string]any{}, Body: body}
}

// Copy returns a deep copy of the message with a fresh ID.
func (m *Message) Copy() *Message {
	out := &Message{ID: uuid.NewString(), Headers: make(map[string]any, len(m.Headers))}
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	return out
}

// Header returns a header rendered as a string, and whether it was present.
func (m *Message) Header(name string) (string, bool) {
	v, ok := m.Headers[name]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func (m *Message) SetHeader(name string, value any) {
	if m.Headers == nil {
		m.Headers = map[string]any{}
	}
	m.Headers[name] = value
}

// Processor handles one message.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

type ProcessorFunc func(ctx context.Context, msg *Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Component creates endpoints for one scheme.
type Component interface {
	Scheme() string
	Endpoint(uri string) (Endpoint, error)
}

// Endpoint is a configured use of a component. It implements Consumer,
// Producer or both.
type Endpoint interface {
	URI() string
}

// Consumer feeds messages into a route. Consume blocks until ctx is done
// (returning nil or ctx.Err()) or the endpoint fails.
type Consumer interface {
	Endpoint
	Consume(ctx context.Context, next Processor) error
}

// Producer receives messages from a route.
type Producer interface {
	Endpoint
	Send(ctx context.Context, msg *Message) error
}

// Starter is implemented by consumers that must acquire resources (connect,
// subscribe, bind) before their route counts as started. A Start error fails
// the pipeline start; errors from Consume afterwards are post-start failures.
type Starter interface {
	Start(ctx context.Context) error
}

// Codec transforms the message body.
type Codec interface {
	Name() string
	Marshal(ctx context.Context, msg *Message) error
	Unmarshal(ctx context.Context, msg *Message) error
}

// BeanFactory is implemented by components that build named processors from
// bean declarations whose URI carries their scheme.
type BeanFactory interface {
	NewBean(uri string, properties map[string]string) (Processor, error)
}

// Registrar receives the capabilities a plugin provides.
type Registrar interface {
	RegisterComponent(c Component)
	RegisterCodec(c Codec)
}

// RegisterFunc is the signature of the Register symbol dynamic plugins export.
type RegisterFunc = func(Registrar)

// SplitURI splits "scheme:rest" at the first colon.
func SplitURI(uri string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(uri), ":")
	if !ok || !reScheme.MatchString(scheme) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedURI, uri)
	}
	return scheme, rest, nil
}

// ParseRest splits the part after the scheme into a path and its query
// parameters: "orders?period=1s" gives "orders", {period: 1s}.
func ParseRest(rest string) (string, url.Values, error) {
	p, rawQuery, _ := strings.Cut(rest, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, fmt.Errorf("%w: query %q: %v", ErrMalformedURI, rawQuery, err)
	}
	return strings.TrimPrefix(p, "//"), q, nil
}

// SchemeOf returns the scheme of uri or "" when it is malformed.
func SchemeOf(uri string) string {
	scheme, _, err := SplitURI(uri)
	if err != nil {
		return ""
	}
	return scheme
}
