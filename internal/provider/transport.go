package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/retry"
)

const maxResponseBytes = 10 << 20

// ErrorDecoder extracts a provider error code and message from a non-2xx body.
type ErrorDecoder func(body []byte) (code, message string)

// ClientOptions configures a provider Client.
type ClientOptions struct {
	Provider   Name
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Retry      retry.Options

	DecodeError ErrorDecoder
	// Classify may adjust the Kind of an error before it is returned.
	Classify func(err *ExternalServiceError)

	// BreakerFailures is the number of consecutive server-side failures that
	// opens the circuit. BreakerTimeout is how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is the JSON transport shared by adapters: retries, a circuit breaker
// and status code translation.
type Client struct {
	provider   Name
	baseURL    string
	httpClient *http.Client
	userAgent  string
	retry      retry.Options
	decode     ErrorDecoder
	classify   func(err *ExternalServiceError)
	breaker    *gobreaker.CircuitBreaker
}

// Request is a single provider API call.
type Request struct {
	Method string
	// Path is joined to the base URL unless it is already absolute.
	Path   string
	Query  url.Values
	Header http.Header
	Token  string
	Body   any
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryOpts := opts.Retry
	if retryOpts.ShouldRetry == nil {
		retryOpts.ShouldRetry = IsRetryable
	}
	if retryOpts.WaitHint == nil {
		retryOpts.WaitHint = RetryAfterOf
	}

	c := &Client{
		provider:   opts.Provider,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		userAgent:  opts.UserAgent,
		retry:      retryOpts,
		decode:     opts.DecodeError,
		classify:   opts.Classify,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(opts.Provider) + "-api",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})
	return c
}

// HTTPClient exposes the underlying client, e.g. for oauth2 token calls.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do performs req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.do(ctx, req, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &ExternalServiceError{Provider: c.provider, Kind: KindServiceUnavailable, Message: "circuit open", Err: err}
		}
		metrics.ObserveProviderRequest(string(c.provider), outcome(err))
		return err
	})
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.provider, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return err
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ExternalServiceError{Provider: c.provider, Kind: KindServiceUnavailable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ExternalServiceError{Provider: c.provider, Kind: KindServiceUnavailable, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return &ExternalServiceError{Provider: c.provider, Kind: KindUnknown, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
		}
		return nil
	}

	code, message := "", strings.TrimSpace(string(respBody))
	if c.decode != nil {
		if dc, dm := c.decode(respBody); dc != "" || dm != "" {
			code, message = dc, dm
		}
	}
	if len(message) > 512 {
		message = message[:512]
	}
	ese := NewStatusError(c.provider, resp.StatusCode, code, message)
	ese.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	if c.classify != nil {
		c.classify(ese)
	}
	return ese
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
