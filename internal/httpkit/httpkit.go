// Package httpkit builds the *http.Client used for every outbound call:
// the chat-completions endpoint, page fetches made by the node plugin
// and wallet RPC lookups.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/troupe/internal/buildinfo"
)

const (
	defaultTimeout = 30 * time.Second
	maxBackoff     = 5 * time.Second
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout time.Duration
	headers http.Header
	retries int
	backoff time.Duration
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return WithHeader("User-Agent", ua)
}

// WithHeader adds a header sent on every request that does not set it.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Set(key, value) }
}

// WithRetry retries a request up to retries times when it fails before
// reaching the server (refused, host or network unreachable). The wait
// starts at backoff and doubles, capped at five seconds. The completion
// client never opts in.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(o *options) {
		o.retries = retries
		o.backoff = backoff
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client with its own transport. The default timeout
// is 30 seconds and the default User-Agent names this build.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout: defaultTimeout,
		headers: http.Header{"User-Agent": []string{buildinfo.UserAgent()}},
	}
	for _, opt := range opts {
		opt(o)
	}

	var rt http.RoundTripper = &headerTransport{base: newTransport(), headers: o.headers}
	if o.retries > 0 {
		rt = &retryTransport{base: rt, retries: o.retries, backoff: o.backoff, logger: slog.Default()}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// headerTransport fills default headers the request leaves unset.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for k, v := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		if !cloned {
			// A RoundTripper must not modify the caller's request.
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// retryTransport repeats requests that failed while dialing. A request
// with a body is only repeated when GetBody can rewind it.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	wait := t.backoff
	attempt := req

	for n := 0; ; n++ {
		resp, err := t.base.RoundTrip(attempt)
		if err == nil || !dialFailure(err) || !rewindable || n == t.retries {
			return resp, err
		}
		if t.logger != nil {
			t.logger.Debug("dial failed, retrying",
				"method", req.Method,
				"url", req.URL.String(),
				"retry", n+1,
				"of", t.retries,
				"wait", wait,
				"error", err,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		wait = min(wait*2, maxBackoff)

		attempt = req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attempt.Body = body
		}
	}
}

// dialFailure reports errors raised before any request byte was sent.
func dialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body,
// trimmed, for logs and error values. The body is drained and closed.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 4096)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return strings.TrimSpace(string(body))
}
