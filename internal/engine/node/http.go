package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fluxline-go/internal/engine/graph"
	"github.com/fluxline-go/internal/engine/retry"
	"github.com/fluxline-go/pkg/logger"
)

// HTTPExecutor performs one HTTP request per input item. URL, headers
// and query values are interpolated against the item.
type HTTPExecutor struct {
	client *http.Client
	logger logger.Logger
}

type httpNodeConfig struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string]string
	Body        interface{}
	Timeout     time.Duration
}

const maxResponseBytes = 10 << 20 // 10MiB

func NewHTTPExecutor(log logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		logger: log,
	}
}

func (e *HTTPExecutor) Metadata() Metadata {
	return Metadata{
		Type:               "http",
		Inputs:             []string{graph.PortMain},
		Outputs:            []string{graph.PortMain},
		ErrorOutputEnabled: true,
		DefaultRetry:       retry.DefaultPolicy(),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	cfg, err := parseHTTPConfig(in.Node.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid http node configuration: %w", err)
	}

	items := in.Items
	if len(items) == 0 {
		items = []Item{{}}
	}

	out := make([]Item, 0, len(items))
	for _, item := range items {
		result, err := e.request(ctx, in, cfg, item)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return &ExecuteResult{Output: out}, nil
}

func (e *HTTPExecutor) request(ctx context.Context, in ExecuteInput, cfg httpNodeConfig, item Item) (Item, error) {
	target := cfg.URL
	if in.Interpolate != nil {
		var err error
		target, err = in.Interpolate(cfg.URL, item)
		if err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", target, err)
	}
	if len(cfg.QueryParams) > 0 {
		q := u.Query()
		for k, v := range cfg.QueryParams {
			if in.Interpolate != nil {
				if v, err = in.Interpolate(v, item); err != nil {
					return nil, err
				}
			}
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if cfg.Body != nil {
		data, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		if in.Interpolate != nil {
			if v, err = in.Interpolate(v, item); err != nil {
				return nil, err
			}
		}
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http request returned status %d", resp.StatusCode)
	}

	result := Item{
		"statusCode": float64(resp.StatusCode),
		"headers":    flattenHeaders(resp.Header),
	}
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err == nil {
		result["body"] = parsed
	} else {
		result["body"] = string(data)
	}
	return result, nil
}

func parseHTTPConfig(raw map[string]interface{}) (httpNodeConfig, error) {
	cfg := httpNodeConfig{
		Method:      "GET",
		Headers:     map[string]string{},
		QueryParams: map[string]string{},
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	var decoded struct {
		Method      string            `json:"method"`
		URL         string            `json:"url"`
		Headers     map[string]string `json:"headers"`
		QueryParams map[string]string `json:"queryParams"`
		Body        interface{}       `json:"body"`
		TimeoutSec  int               `json:"timeout"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return cfg, err
	}

	if decoded.URL == "" {
		return cfg, fmt.Errorf("url is required")
	}
	cfg.URL = decoded.URL
	if decoded.Method != "" {
		cfg.Method = decoded.Method
	}
	if decoded.Headers != nil {
		cfg.Headers = decoded.Headers
	}
	if decoded.QueryParams != nil {
		cfg.QueryParams = decoded.QueryParams
	}
	cfg.Body = decoded.Body
	cfg.Timeout = time.Duration(decoded.TimeoutSec) * time.Second
	return cfg, nil
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
