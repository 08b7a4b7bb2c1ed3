package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/dagflow/pkg/schema"
)

// HTTPConfig configures the HTTP handlers.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestHandler implements "http.request". With fail_on_error_status
// (the default) a 5xx response is a retryable STEP_EXECUTION_ERROR and a 4xx
// response is NON_RETRYABLE_ERROR.
type HTTPRequestHandler struct {
	config HTTPConfig
	method string // fixed method for the get/post shorthands
	name   string
}

// NewHTTPRequestHandler creates the http.request handler.
func NewHTTPRequestHandler(cfg HTTPConfig) *HTTPRequestHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestHandler{config: cfg, name: "http.request"}
}

// HTTPHandlers returns http.request plus the http.get and http.post shorthands.
func HTTPHandlers(cfg HTTPConfig) []Handler {
	req := NewHTTPRequestHandler(cfg)
	get := *req
	get.method, get.name = http.MethodGet, "http.get"
	post := *req
	post.method, post.name = http.MethodPost, "http.post"
	return []Handler{req, &get, &post}
}

func (h *HTTPRequestHandler) Name() string { return h.name }

func (h *HTTPRequestHandler) Schema() HandlerSchema {
	desc := "Execute an HTTP request with full control over method, headers, body, auth and redirects."
	if h.method != "" {
		desc = fmt.Sprintf("Shorthand for an HTTP %s request.", h.method)
	}
	return HandlerSchema{
		Description:  desc,
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (h *HTTPRequestHandler) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'url'", h.name)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", h.name, rawURL)
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if _, err := time.ParseDuration(ts); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid timeout %q", h.name, ts)
		}
	}
	return nil
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := h.Validate(params); err != nil {
		return nil, err
	}

	method := h.method
	if method == "" {
		method = strings.ToUpper(stringParam(params, "method", http.MethodGet))
	}
	rawURL := stringParam(params, "url", "")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	failOnErrorStatus := boolParam(params, "fail_on_error_status", true)

	timeout := h.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		timeout, _ = time.ParseDuration(ts)
	}

	bodyReader, contentType, err := encodeBody(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "%s: encode body", h.name).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "%s: build request", h.name).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if auth, ok := params["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	// A fresh transport per request keeps tls_skip_verify from leaking between steps.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "%s: request failed: %v", h.name, err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "%s: read response body", h.name).WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "application/json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeStepExecution
		}
		return nil, schema.NewErrorf(code, "%s: server returned %d", h.name, resp.StatusCode).
			WithDetails(result)
	}

	return marshalOutput(h.name, result)
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form body must be an object, got %T", rawBody)
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	default:
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
