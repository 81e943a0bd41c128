// Package replicate adapts the Replicate Go SDK to the generation backends:
// predictions in this package's vocabulary and errors classified into
// timeout, network, malformed body and HTTP status.
package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"

	replicatego "github.com/replicate/replicate-go"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 2 * time.Second
)

var (
	// ErrTimeout is returned when a request or a wait exceeds its deadline.
	ErrTimeout = errors.New("replicate timeout")
	// ErrNetwork is returned for connection-level failures.
	ErrNetwork = errors.New("replicate network error")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("replicate malformed response")
	// ErrNoToken is returned by NewClient without an API token.
	ErrNoToken = errors.New("replicate token is empty")
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate http error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Config for the client
type Config struct {
	BaseURL      string // empty means the SDK default
	Token        string
	UserAgent    string
	Timeout      time.Duration // per HTTP request
	PollInterval time.Duration
}

// Client talks to Replicate through the SDK. The SDK's own retries are
// disabled; the generation retry policy decides what is sent again.
type Client struct {
	sdk          *replicatego.Client
	pollInterval time.Duration
}

// NewClient creates a new Replicate client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := []replicatego.ClientOption{
		replicatego.WithToken(cfg.Token),
		replicatego.WithHTTPClient(&http.Client{Timeout: cfg.Timeout, Transport: transport}),
		replicatego.WithRetryPolicy(0, &replicatego.ConstantBackoff{}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, replicatego.WithBaseURL(cfg.BaseURL))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, replicatego.WithUserAgent(cfg.UserAgent))
	}

	sdk, err := replicatego.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("replicate config error: %w", err)
	}
	return &Client{sdk: sdk, pollInterval: cfg.PollInterval}, nil
}

// CreatePrediction starts a prediction for a model version.
func (c *Client) CreatePrediction(ctx context.Context, version string, input map[string]interface{}) (*Prediction, error) {
	p, err := c.sdk.CreatePrediction(ctx, version, replicatego.PredictionInput(input), nil, false)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return fromSDK(p), nil
}

// GetPrediction fetches the current state of a prediction.
func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	p, err := c.sdk.GetPrediction(ctx, id)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return fromSDK(p), nil
}

// CancelPrediction asks Replicate to stop a running prediction.
func (c *Client) CancelPrediction(ctx context.Context, id string) error {
	if _, err := c.sdk.CancelPrediction(ctx, id); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// Wait polls a prediction until it reaches a terminal status or ctx ends.
// The caller bounds the wait with ctx.
func (c *Client) Wait(ctx context.Context, p *Prediction) (*Prediction, error) {
	src := p.source
	if src == nil {
		src = &replicatego.Prediction{ID: p.ID, Status: replicatego.Status(p.Status)}
	}
	err := c.sdk.Wait(ctx, src, replicatego.WithPollingInterval(c.pollInterval))
	current := fromSDK(src)
	if err != nil {
		if isTimeoutError(ctx, err) {
			return current, fmt.Errorf("%w: prediction %s still %s", ErrTimeout, current.ID, current.Status)
		}
		return current, classify(ctx, err)
	}
	return current, nil
}

func fromSDK(p *replicatego.Prediction) *Prediction {
	return &Prediction{
		ID:      p.ID,
		Version: p.Version,
		Status:  Status(p.Status),
		Output:  rawJSON(p.Output),
		Error:   rawJSON(p.Error),
		source:  p,
	}
}

func rawJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func classify(ctx context.Context, err error) error {
	var apiErr *replicatego.APIError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.As(err, &apiErr):
		body := apiErr.Detail
		if body == "" {
			body = apiErr.Title
		}
		return &APIError{StatusCode: apiErr.Status, Body: body}
	case isTimeoutError(ctx, err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	case isNetworkError(err):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	default:
		return fmt.Errorf("replicate request error: %w", err)
	}
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
