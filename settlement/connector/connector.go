// Package connector is the HTTP client the engine uses to reach its
// connector: message relay and incoming settlement notification.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultTimeout bounds one connector request.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// Config configures the connector client.
type Config struct {
	BaseURL string        `validate:"required,url"`
	Timeout time.Duration `validate:"gte=0"`
	Breaker BreakerConfig
	Logger  log.Logger `validate:"-"`
}

// BreakerConfig tunes the circuit breaker wrapped around connector calls.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultBreakerConfig trips quickly on an unreachable connector.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// ResponseError is a non-2xx connector response.
type ResponseError struct {
	StatusCode int
	Body       []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("connector responded %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// TransportError means no response was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "connector unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies connector failures: conflicts, server errors, no
// response at all, and an open breaker are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict || respErr.StatusCode >= http.StatusInternalServerError
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return !errors.Is(err, context.Canceled)
	}

	return false
}

// CreditedQuantity extracts a quantity carried by the body of a failed
// response, which some connectors send alongside an error status.
func CreditedQuantity(err error) (quantity.Quantity, bool) {
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		return quantity.Quantity{}, false
	}

	q, parseErr := quantity.Parse(respErr.Body)
	if parseErr != nil {
		return quantity.Quantity{}, false
	}

	return q, true
}

// Client talks to the connector.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid connector config: %w", err)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid connector url: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}

	logger := log.OrNop(cfg.Logger).With(log.Component("connector"))

	c := &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}

	bc := cfg.Breaker
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connector",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures ||
				(counts.Requests >= bc.MinRequests && failureRatio >= bc.FailureRatio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
				log.String("breaker", name), log.String("from", from.String()), log.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})

	return c, nil
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) accountURL(accountID, resource string) string {
	return c.baseURL + "/accounts/" + url.PathEscape(accountID) + "/" + resource
}

// SendMessage relays message to the peer behind accountID and returns the
// raw response body.
func (c *Client) SendMessage(ctx context.Context, accountID string, message any) (json.RawMessage, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	respBody, err := c.post(ctx, c.accountURL(accountID, "messages"), body, map[string]string{
		constant.HeaderContentType: constant.ContentTypeOctetStream,
	})
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", accountID, err)
	}

	return json.RawMessage(respBody), nil
}

// NotifySettlement makes one attempt to report an incoming settlement. The
// connector answers with the quantity it actually credited.
func (c *Client) NotifySettlement(ctx context.Context, accountID, idempotencyKey string, q quantity.Quantity) (quantity.Quantity, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return quantity.Quantity{}, fmt.Errorf("encode quantity: %w", err)
	}

	respBody, err := c.post(ctx, c.accountURL(accountID, "settlements"), body, map[string]string{
		constant.HeaderContentType:    constant.ContentTypeJSON,
		constant.HeaderIdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return quantity.Quantity{}, fmt.Errorf("notify settlement for %s: %w", accountID, err)
	}

	credited, err := quantity.Parse(respBody)
	if err != nil {
		return quantity.Quantity{}, fmt.Errorf("decode credited quantity: %w", err)
	}

	return credited, nil
}

func (c *Client) post(ctx context.Context, target string, body []byte, headers map[string]string) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, &TransportError{Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &ResponseError{StatusCode: resp.StatusCode, Body: respBody}
		}

		return respBody, nil
	})
	if err != nil {
		c.logger.Log(ctx, log.LevelDebug, "connector request failed",
			log.String("url", target), log.Bool("retryable", IsRetryable(err)), log.Err(err))

		return nil, err
	}

	respBody, _ := result.([]byte)

	return respBody, nil
}
