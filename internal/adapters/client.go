// Package adapters holds the service clients the saga coordinator drives:
// HTTP clients for split deployments, in-process bindings for the monolith,
// plus the circuit breaker and health probes shared by both.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
)

// TransactionHeader carries the saga transaction id to downstream services;
// they use it to deduplicate retried calls.
const TransactionHeader = "X-Transaction-ID"

// HTTPClient is the shared machinery of the concrete service clients: base
// URL handling, JSON codec, error classification, and the circuit breaker.
type HTTPClient struct {
	service string
	baseURL string
	http    *http.Client
	breaker *breaker
	logger  *log.Logger
}

// NewHTTPClient builds the base client for one downstream service.
func NewHTTPClient(service, baseURL string, timeout time.Duration, breakerCfg BreakerConfig) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: newBreaker(service, breakerCfg),
		logger:  log.New(log.Writer(), "[ADAPTER] ", log.LstdFlags),
	}
}

// BreakerState exposes the circuit state for health reporting.
func (c *HTTPClient) BreakerState() BreakerState { return c.breaker.State() }

// errorEnvelope is the JSON error body the core services emit.
type errorEnvelope struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// do performs one JSON request. txID (when set) rides the transaction
// header. out (when non-nil) receives the decoded response body.
func (c *HTTPClient) do(ctx context.Context, method, path, txID string, body, out interface{}) error {
	if err := c.breaker.allow(); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "encode request", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if txID != "" {
		req.Header.Set(TransactionHeader, txID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.record(true)
		return c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.record(true)
		return apperr.Wrap(apperr.KindServiceCommunication,
			fmt.Sprintf("%s: read response", c.service), err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.record(false)
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return apperr.Wrap(apperr.KindServiceCommunication,
					fmt.Sprintf("%s: decode response", c.service), err)
			}
		}
		return nil
	}

	c.breaker.record(resp.StatusCode >= 500)
	return c.classifyStatus(resp.StatusCode, raw)
}

func (c *HTTPClient) classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, fmt.Sprintf("%s: request timed out", c.service), err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, fmt.Sprintf("%s: request timed out", c.service), err)
	}
	return apperr.Wrap(apperr.KindServiceCommunication,
		fmt.Sprintf("%s: unreachable", c.service), err)
}

// classifyStatus maps a non-2xx response to the error taxonomy. 5xx and 429
// come back retryable; other 4xx are the service's final answer.
func (c *HTTPClient) classifyStatus(status int, raw []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)
	message := env.Message
	if message == "" {
		message = fmt.Sprintf("%s returned HTTP %d", c.service, status)
	}

	// A kind in the body wins: the remote already classified the failure.
	if env.ErrorKind != "" {
		return apperr.New(apperr.Kind(env.ErrorKind), message)
	}

	switch {
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, message)
	case status == http.StatusConflict:
		return apperr.New(apperr.KindConflict, message)
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindResourceLimit, message)
	case status == http.StatusGatewayTimeout:
		return apperr.New(apperr.KindTimeout, message)
	case status >= 500:
		return apperr.New(apperr.KindServiceCommunication, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindInvalidCredentials, message)
	default:
		return apperr.New(apperr.KindValidation, message)
	}
}

// Healthy probes the service's health endpoint.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}
