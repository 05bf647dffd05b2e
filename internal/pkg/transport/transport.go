package transport

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
)

/*
 *  Rate limited HTTP layer shared by every call to the Evo cloud.
 *
 *  The vendor enforces a small call quota, so all callers go through one
 *  process-global limiter.  This layer classifies failures but never
 *  retries; callers that want retries opt in with their own policy.
 */

const (
	quotaCalls  = 5
	quotaWindow = time.Minute

	defaultTimeout    = 15 * time.Second
	defaultRetryAfter = 5 * time.Second

	defaultUserAgent = "curl/7.81.0"
)

// StatusError is returned for any non-2xx response.  It is the only
// error class the auth retry policy acts on.
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return "http status " + e.Status
}

// AsStatusError unwraps err to a StatusError if it is one.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Response is the fully-read result of a request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the response carries a JSON content type.
func (r *Response) IsJSON() bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

type requestOptions struct {
	headers http.Header
	body    io.Reader
	timeout time.Duration
}

type Option func(*requestOptions)

// WithHeader adds a request header, overriding the defaults.
func WithHeader(key, value string) Option {
	return func(o *requestOptions) {
		o.headers.Set(key, value)
	}
}

// WithForm posts a URL-encoded form body.
func WithForm(form string) Option {
	return func(o *requestOptions) {
		o.body = strings.NewReader(form)
		o.headers.Set("Content-Type", "application/x-www-form-urlencoded")
	}
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// windowLimiter admits at most calls admissions in any rolling window.
// Unlike a token bucket, a sixth caller waits until the oldest of the five
// issued calls leaves the window.
type windowLimiter struct {
	calls  int
	window time.Duration

	mu      sync.Mutex
	history []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func newWindowLimiter(calls int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		calls:  calls,
		window: window,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until one more call fits into the rolling window, then records
// the admission.
func (l *windowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-l.window)

		kept := l.history[:0]
		for _, t := range l.history {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.history = kept

		if len(l.history) < l.calls {
			l.history = append(l.history, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.history[0].Sub(cutoff)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

type Client struct {
	http    *http.Client
	limiter *windowLimiter
	sleep   func(time.Duration)
}

func New() *Client {
	return &Client{
		http:    &http.Client{},
		limiter: newWindowLimiter(quotaCalls, quotaWindow),
		sleep:   time.Sleep,
	}
}

// Do issues a request once the quota window admits it.  Callers beyond the
// quota block, they are never rejected.  A non-2xx response becomes a
// StatusError; network failures are wrapped and propagate as-is.
func (c *Client) Do(ctx context.Context, method, url string, opts ...Option) (*Response, error) {
	ro := requestOptions{
		headers: http.Header{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(&ro)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for request quota")
	}

	ctx, cancel := context.WithTimeout(ctx, ro.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, ro.body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request for %s", method, url)
	}

	if ro.headers.Get("User-Agent") == "" {
		ro.headers.Set("User-Agent", defaultUserAgent)
	}
	if ro.headers.Get("Accept") == "" {
		ro.headers.Set("Accept", "*/*")
	}
	req.Header = ro.headers

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %s", url)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := defaultRetryAfter
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		logging.Logger(ctx).Infof("Rate limited by %s, sleeping %s", url, retryAfter)
		c.sleep(retryAfter)

		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: bodyBytes}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: bodyBytes}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bodyBytes,
	}, nil
}
