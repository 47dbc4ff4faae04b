package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock advances virtual time on Sleep and records every wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Timeout = 5 * time.Second
	return p
}

func newTestFetcher(clock *fakeClock, gate *Gate, p Policy) *Fetcher {
	if gate == nil {
		gate = NewGate(0, clock)
	}
	return New(gate, p, WithClock(clock), WithRandom(func() float64 { return 0 }))
}

func TestGate_Spacing(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(15*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := gate.Wait(ctx); err != nil {
			t.Fatalf("Wait() failed: %v", err)
		}
	}
	want := []time.Duration{15 * time.Second, 15 * time.Second}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}

	// Enough time has already passed; no further sleep.
	clock.Advance(20 * time.Second)
	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if got := len(clock.Sleeps()); got != 2 {
		t.Errorf("sleep count = %d, want 2", got)
	}
}

func TestGatePerMinute(t *testing.T) {
	if got := NewGatePerMinute(4, nil).Spacing(); got != 15*time.Second {
		t.Errorf("Spacing() = %v, want 15s", got)
	}
	if got := NewGatePerMinute(0, nil).Spacing(); got != 0 {
		t.Errorf("Spacing() = %v, want 0", got)
	}
}

func TestGate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewGate(time.Second, newFakeClock()).Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestPolicy_BackoffBounds(t *testing.T) {
	p := DefaultPolicy()
	for k := 1; k <= 12; k++ {
		exp := p.BaseBackoff << (k - 1)
		if exp > p.MaxBackoff {
			exp = p.MaxBackoff
		}
		lo := p.Backoff(k, 0)
		hi := p.Backoff(k, 0.9999)
		if lo != exp {
			t.Errorf("attempt %d: Backoff(0) = %v, want %v", k, lo, exp)
		}
		if hi < exp || hi >= exp+p.MaxJitter {
			t.Errorf("attempt %d: Backoff(0.9999) = %v, want in [%v, %v)", k, hi, exp, exp+p.MaxJitter)
		}
	}
	if got := p.Backoff(1000, 0); got != p.MaxBackoff {
		t.Errorf("Backoff(1000) = %v, want cap %v", got, p.MaxBackoff)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"seconds", "7", 7 * time.Second, true},
		{"fractional", "1.5", 1500 * time.Millisecond, true},
		{"zero", "0", 0, true},
		{"http date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second, true},
		{"past date", now.Add(-time.Hour).Format(http.TimeFormat), 0, true},
		{"empty", "", 0, false},
		{"negative", "-3", 0, false},
		{"garbage", "soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFetchJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "bitcoin,ethereum" {
			t.Errorf("ids = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		w.Write([]byte(`[{"id":"bitcoin"}]`))
	}))
	defer srv.Close()

	f := newTestFetcher(newFakeClock(), nil, testPolicy())
	body, err := f.FetchJSON(context.Background(), srv.URL, url.Values{"ids": {"bitcoin,ethereum"}})
	if err != nil {
		t.Fatalf("FetchJSON() failed: %v", err)
	}
	if string(body) != `[{"id":"bitcoin"}]` {
		t.Errorf("body = %s", body)
	}
}

func TestFetchJSON_HonorsRetryAfter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	clock := newFakeClock()
	f := newTestFetcher(clock, nil, testPolicy())
	if _, err := f.FetchJSON(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("FetchJSON() failed: %v", err)
	}
	want := []time.Duration{7 * time.Second, 7 * time.Second}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestFetchJSON_ExponentialBackoff(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	clock := newFakeClock()
	f := newTestFetcher(clock, nil, testPolicy())
	if _, err := f.FetchJSON(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("FetchJSON() failed: %v", err)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestFetchJSON_GateAppliesToRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	clock := newFakeClock()
	gate := NewGate(15*time.Second, clock)
	f := newTestFetcher(clock, gate, testPolicy())
	if _, err := f.FetchJSON(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("FetchJSON() failed: %v", err)
	}
	// 2s backoff, then the gate holds the retry until 15s after the first start.
	want := []time.Duration{2 * time.Second, 13 * time.Second}
	if got := clock.Sleeps(); !equalDurations(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestFetchJSON_ExhaustedRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := testPolicy()
	p.MaxRetries = 2
	f := newTestFetcher(newFakeClock(), nil, p)
	_, err := f.FetchJSON(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}
	var rerr *RequestError
	if !errors.As(err, &rerr) || rerr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("wrapped error = %v, want 503 RequestError", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
}

func TestFetchJSON_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(newFakeClock(), nil, testPolicy())
	_, err := f.FetchJSON(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if errors.Is(err, ErrExhaustedRetries) {
		t.Error("404 must not be reported as exhausted retries")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("hits = %d, want 1", got)
	}
}

func TestFetchJSON_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(newFakeClock(), nil, testPolicy())
	_, err := f.FetchJSON(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrInvalidJSON) || !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrInvalidJSON request failure", err)
	}
}

func TestFetchJSON_ConnectionErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	p := testPolicy()
	p.MaxRetries = 1
	clock := newFakeClock()
	f := newTestFetcher(clock, nil, p)
	_, err := f.FetchJSON(context.Background(), addr, nil)
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}
	if got := len(clock.Sleeps()); got != 1 {
		t.Errorf("sleep count = %d, want 1", got)
	}
}

func TestFetchJSON_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newTestFetcher(newFakeClock(), nil, testPolicy())
	if _, err := f.FetchJSON(ctx, srv.URL, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
