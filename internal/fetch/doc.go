// Package fetch implements the rate-limited JSON request engine used to talk
// to upstream catalog services.
//
// Overview
//
// Every request made through a Fetcher first passes a shared Gate, which keeps
// a fixed minimum spacing between the start of any two requests in the
// process. Requests that fail with HTTP 429, a 5xx status, or a
// connection-level error are retried:
//
//   - if the response carries Retry-After (seconds or an HTTP date), the
//     fetcher waits exactly that long;
//   - otherwise it waits min(MaxBackoff, BaseBackoff*2^(attempt-1)) plus a
//     random jitter in [0, MaxJitter).
//
// After MaxRetries retries the call fails with ErrExhaustedRetries wrapping the
// last error. Any other 4xx status, or a 200 response whose body is not JSON,
// fails immediately with a *RequestError.
//
// Usage
//
//	gate := fetch.NewGate(15*time.Second, nil)
//	f := fetch.New(gate, fetch.DefaultPolicy(), fetch.WithLogger(log))
//	body, err := f.FetchJSON(ctx, "https://api.coingecko.com/api/v3/coins/list", nil)
//	if errors.Is(err, fetch.ErrExhaustedRetries) {
//	    // upstream is unavailable; stop the run
//	}
//
// Testing
//
// Gate and Fetcher accept a Clock. Tests pass a fake clock whose Sleep
// advances virtual time, so spacing and backoff can be asserted without real
// waiting.
package fetch
