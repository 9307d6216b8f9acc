package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openfroyo/playbooks/pkg/engine"
)

type httpCapability struct {
	method   string
	client   *http.Client
	cfg      Config
	maxBytes int64
}

func newHTTPCapability(method string, cfg Config) *httpCapability {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &httpCapability{method: method, client: client, cfg: cfg, maxBytes: cfg.MaxResponseBytes}
}

// Execute performs the request. The url, header values and string bodies are rendered
// as templates over the running context. Non-2xx responses fail the step with the
// response kept as partial output.
func (c *httpCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	rawURL, ok := req.Params["url"].(string)
	if !ok || strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("missing required parameter url")
	}
	target, err := renderTemplate("url", rawURL, req.Context)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", target)
	}

	headers := make(map[string]string)
	if raw, ok := req.Params["headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			rendered, err := renderTemplate("header", fmt.Sprint(v), req.Context)
			if err != nil {
				return nil, err
			}
			headers[k] = rendered
		}
	}

	body, contentType, err := c.body(req)
	if err != nil {
		return nil, err
	}

	if req.DryRun {
		return simulated("http", map[string]interface{}{
			"method": c.method,
			"url":    target,
			"status": int64(0),
		}), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, c.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", c.method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := map[string]interface{}{
		"method": c.method,
		"url":    target,
		"status": int64(resp.StatusCode),
		"body":   string(data),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err == nil {
			out["json"] = decoded
		}
	}
	result := &engine.CapabilityResult{Output: map[string]interface{}{"http": out}}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("%s %s returned status %d", c.method, target, resp.StatusCode)
	}
	return result, nil
}

func (c *httpCapability) body(req engine.CapabilityRequest) (io.Reader, string, error) {
	if c.method != http.MethodPost {
		return nil, "", nil
	}
	switch b := req.Params["body"].(type) {
	case nil:
		return nil, "", nil
	case string:
		rendered, err := renderTemplate("body", b, req.Context)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(rendered), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
