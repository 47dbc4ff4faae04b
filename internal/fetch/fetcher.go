package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allcryptotokens/tokendb/internal/logging"
	"github.com/tidwall/gjson"
)

// DefaultUserAgent identifies the builder to upstream services.
const DefaultUserAgent = "tokendb/1.0 (+offline catalog builder)"

// Fetcher performs GET requests returning JSON bodies, applying the shared
// Gate and the retry Policy.
type Fetcher struct {
	client *http.Client
	gate   *Gate
	policy Policy
	clock  Clock
	random func() float64
	header http.Header
	logger *logging.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client. Its Timeout is left alone; per-attempt
// deadlines come from Policy.Timeout.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithClock replaces the wall clock used for backoff sleeps.
func WithClock(c Clock) Option {
	return func(f *Fetcher) { f.clock = c }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(f *Fetcher) { f.random = fn }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) { f.header.Set(key, value) }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher admitted by gate. A nil gate means no spacing.
func New(gate *Gate, policy Policy, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: http.DefaultClient,
		gate:   gate,
		policy: policy,
		clock:  SystemClock{},
		random: rand.Float64,
		header: http.Header{},
	}
	f.header.Set("Accept", "application/json")
	f.header.Set("User-Agent", DefaultUserAgent)
	for _, opt := range opts {
		opt(f)
	}
	if f.gate == nil {
		f.gate = NewGate(0, f.clock)
	}
	return f
}

// attempt is the classified result of one HTTP exchange.
type attempt struct {
	body          []byte
	retryable     bool
	retryAfter    time.Duration
	hasRetryAfter bool
}

// FetchJSON GETs rawURL with params and returns the raw JSON body.
func (f *Fetcher) FetchJSON(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + params.Encode()
	}

	for n := 1; ; n++ {
		if err := f.gate.Wait(ctx); err != nil {
			return nil, err
		}

		res, err := f.do(ctx, target)
		if err == nil {
			return res.body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !res.retryable {
			return nil, err
		}
		if n > f.policy.MaxRetries {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, n, err)
		}

		wait := res.retryAfter
		if !res.hasRetryAfter {
			wait = f.policy.Backoff(n, f.random())
		}
		f.logger.Warn("retrying request",
			"url", target,
			"attempt", n,
			"wait", wait.String(),
			"retry_after", res.hasRetryAfter,
			"error", err.Error())

		if err := f.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) do(ctx context.Context, target string) (attempt, error) {
	reqCtx := ctx
	if f.policy.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.policy.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return attempt{}, &RequestError{URL: target, Err: err}
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return attempt{retryable: true}, &RequestError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return attempt{retryable: true}, &RequestError{URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		rerr := &RequestError{URL: target, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		if !IsRetryableStatus(resp.StatusCode) {
			return attempt{}, rerr
		}
		ra, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), f.clock.Now())
		return attempt{retryable: true, retryAfter: ra, hasRetryAfter: ok}, rerr
	}

	if !gjson.ValidBytes(body) {
		return attempt{}, &RequestError{URL: target, StatusCode: resp.StatusCode, Err: ErrInvalidJSON}
	}
	return attempt{body: body}, nil
}

// Spacing returns the minimum interval between requests.
func (f *Fetcher) Spacing() time.Duration {
	return f.gate.Spacing()
}
