package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// DefaultBackoff governs retries of transient repository failures.
var DefaultBackoff = wait.Backoff{
	Steps:    4,
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

type statusError struct {
	URL  string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

type httpStore struct {
	base    *url.URL
	client  *http.Client
	backoff wait.Backoff
}

// NewHTTPRepository serves the repository layout over HTTP(S). A nil client
// uses a client with a 30s timeout.
func NewHTTPRepository(base string, client *http.Client) (Repository, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: repository url %q", ErrInvalidArgument, base)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &layoutRepository{
		name:  u.Redacted(),
		store: &httpStore{base: u, client: client, backoff: DefaultBackoff},
	}, nil
}

func (s *httpStore) get(ctx context.Context, key string) (io.ReadCloser, error) {
	target := s.base.JoinPath(key).String()

	var body io.ReadCloser
	err := retry.OnError(s.backoff, func(err error) bool {
		return ctx.Err() == nil && isTransient(err)
	}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			return nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return fmt.Errorf("%w: %s", ErrNotFound, target)
		default:
			resp.Body.Close()
			return &statusError{URL: target, Code: resp.StatusCode}
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// isTransient reports whether a failed GET is worth retrying: server errors,
// throttling and transport failures are, anything the server answered
// definitively is not.
func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
