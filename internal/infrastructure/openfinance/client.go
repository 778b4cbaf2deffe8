// Package openfinance implements the provider adapters that talk to Open
// Finance aggregators over HTTP.
package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	domain "finlink/internal/domain/openfinance"
)

const maxResponseBytes = 4 << 20

// apiClient performs JSON requests against one provider API and turns every
// failure into a *domain.ProviderError.
type apiClient struct {
	provider   domain.ProviderKey
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func newAPIClient(provider domain.ProviderKey, baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: timeout,
	}
}

type apiRequest struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Header    http.Header
	Body      any
}

// errorResponse covers the error envelopes returned by the supported
// providers: {"error","message"} and {"code","message"}.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *apiClient) do(ctx context.Context, r apiRequest, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return c.fail(r.Operation, "failed to encode request", err)
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return c.fail(r.Operation, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.fail(r.Operation, "failed to execute request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.fail(r.Operation, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.ProviderError{
			Provider:   c.provider,
			Operation:  r.Operation,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.fail(r.Operation, "failed to unmarshal response", err)
	}
	return nil
}

func (c *apiClient) fail(operation, message string, err error) error {
	return &domain.ProviderError{
		Provider:  c.provider,
		Operation: operation,
		Message:   fmt.Sprintf("%s: %v", message, err),
		Timeout:   isTimeout(err),
		Err:       err,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func errorMessage(body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		switch {
		case errResp.Error != "" && errResp.Message != "":
			return errResp.Error + " - " + errResp.Message
		case errResp.Message != "":
			return errResp.Message
		case errResp.Error != "":
			return errResp.Error
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
