package fetch

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy describes the retry behaviour of a Fetcher.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseBackoff is the wait before the first retry when the server gives
	// no Retry-After. It doubles on every further retry.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential part of the wait.
	MaxBackoff time.Duration

	// MaxJitter bounds the random amount added to each computed wait.
	MaxJitter time.Duration

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
}

// DefaultPolicy returns the limits the public CoinGecko tier tolerates.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  6,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  90 * time.Second,
		MaxJitter:   400 * time.Millisecond,
		Timeout:     25 * time.Second,
	}
}

// Backoff returns the wait before retry number attempt (1-based).
// jitter is a value in [0, 1) scaled by MaxJitter.
func (p Policy) Backoff(attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.MaxBackoff
	// 2^62 overflows time.Duration once multiplied; anything that large is capped anyway.
	if attempt-1 < 62 {
		exp := float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1))
		if exp < float64(p.MaxBackoff) {
			d = time.Duration(exp)
		}
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = math.Nextafter(1, 0)
	}
	return d + time.Duration(jitter*float64(p.MaxJitter))
}

// IsRetryableStatus reports whether an HTTP status should be retried.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// ParseRetryAfter interprets a Retry-After header value as delta seconds
// (integer or fractional) or an HTTP date relative to now. ok is false when
// the value is absent or unparseable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
