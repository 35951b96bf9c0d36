package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// transientStatus reports whether an HTTP status code is worth retrying
// (spec §4.4 "HTTP 429/500/503/504 with backoff").
func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// HTTPAdapter calls an external HTTP TTS backend (parallel-dispatch
// models, spec §4.4). A gobreaker.CircuitBreaker wraps every call so a
// struggling upstream stops taking new requests instead of piling up
// timeouts across every in-flight dispatch — superseding the hand-rolled
// breaker the teacher carried for the same purpose.
type HTTPAdapter struct {
	name       string
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
}

// httpRequest is the wire shape posted to the external synthesis
// endpoint.
type httpRequest struct {
	Text   string            `json:"text"`
	Voice  string            `json:"voice"`
	Params map[string]string `json:"params"`
}

// httpResponse is the wire shape the external endpoint returns on success.
type httpResponse struct {
	AudioB64   string `json:"audio_b64"`
	Codec      string `json:"codec"`
	DurationMs int64  `json:"duration_ms"`
}

// NewHTTPAdapter builds an adapter for model `name` against endpoint,
// tripping the circuit once at least 5 requests in the current interval
// have seen more than half fail (MaxRequests/Interval/Timeout as in the
// teacher's breaker config).
func NewHTTPAdapter(name, endpoint string, timeout time.Duration) *HTTPAdapter {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("adapter circuit breaker state change", "adapter", name, "from", from, "to", to)
		},
	}

	return &HTTPAdapter{
		name:       name,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		maxRetries: 3,
	}
}

// Synthesize posts to the adapter's endpoint, retrying transient failures
// with exponential backoff and jitter; the circuit breaker short-circuits
// once the upstream is clearly unhealthy rather than letting every retry
// exhaust its own timeout.
func (a *HTTPAdapter) Synthesize(ctx context.Context, text, voice string, params map[string]string) (Output, error) {
	body, err := json.Marshal(httpRequest{Text: text, Voice: voice, Params: params})
	if err != nil {
		return Output{}, fmt.Errorf("%w: encoding request: %v", ErrFatal, err)
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}

		out, err := a.breaker.Execute(func() (interface{}, error) {
			return a.doRequest(ctx, body)
		})
		if err == nil {
			return out.(Output), nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Output{}, fmt.Errorf("%w: circuit open for %s: %v", ErrExhausted, a.name, err)
		}
		if !isRetriable(err) {
			return Output{}, err
		}
		lastErr = err
	}
	return Output{}, fmt.Errorf("%w: %s: %v", ErrExhausted, a.name, lastErr)
}

type retriableError struct{ err error }

func (r retriableError) Error() string { return r.err.Error() }
func (r retriableError) Unwrap() error { return r.err }

func isRetriable(err error) bool {
	_, ok := err.(retriableError)
	return ok
}

func (a *HTTPAdapter) doRequest(ctx context.Context, body []byte) (Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("%w: building request: %v", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Output{}, retriableError{fmt.Errorf("%w: %v", ErrExhausted, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, retriableError{fmt.Errorf("%w: reading response: %v", ErrExhausted, err)}
	}

	if resp.StatusCode != http.StatusOK {
		if transientStatus(resp.StatusCode) {
			return Output{}, retriableError{fmt.Errorf("%w: status %d: %s", ErrExhausted, resp.StatusCode, raw)}
		}
		return Output{}, fmt.Errorf("%w: status %d: %s", ErrFatal, resp.StatusCode, raw)
	}

	var parsed httpResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Output{}, fmt.Errorf("%w: decoding response: %v", ErrFatal, err)
	}

	audio, err := base64.StdEncoding.DecodeString(parsed.AudioB64)
	if err != nil {
		return Output{}, fmt.Errorf("%w: decoding audio_b64: %v", ErrFatal, err)
	}

	return Output{Audio: audio, Codec: parsed.Codec, DurationMs: parsed.DurationMs}, nil
}
