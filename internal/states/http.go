package states

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/conveyor/pkg/schema"
)

// HTTPConfig configures the http state.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// MaxRetries bounds retries of transport errors and 5xx responses.
	MaxRetries int
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	// Breakers tracks failing hosts. nil = a registry with default settings.
	Breakers *CircuitBreakerRegistry
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultRetryInterval   = 500 * time.Millisecond
)

type httpAuth struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	HeaderName  string `json:"header_name,omitempty"`
	HeaderValue string `json:"header_value,omitempty"`
}

type httpParams struct {
	Method            string            `json:"method,omitempty"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              any               `json:"body,omitempty"`
	BodyEncoding      string            `json:"body_encoding,omitempty"`
	Auth              *httpAuth         `json:"auth,omitempty"`
	Timeout           string            `json:"timeout,omitempty"`
	Retries           *int              `json:"retries,omitempty"`
	TLSSkipVerify     bool              `json:"tls_skip_verify,omitempty"`
	FailOnErrorStatus *bool             `json:"fail_on_error_status,omitempty"`
}

// httpState calls an HTTP endpoint. The url, headers and string leaves of the
// body are rendered against the context map before the call.
type httpState struct {
	base
	params  httpParams
	config  HTTPConfig
	timeout time.Duration
}

func newHTTPFactory(cfg HTTPConfig) Factory {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultRetryInterval
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil)
	}
	return func(name string, params json.RawMessage) (State, error) {
		s := &httpState{base: base{name: name, typ: schema.StateTypeHTTP}, config: cfg, timeout: cfg.DefaultTimeout}
		if err := decodeParams(params, &s.params); err != nil {
			return nil, err
		}
		if s.params.URL == "" {
			return nil, fmt.Errorf("http requires a url")
		}
		if s.params.Method == "" {
			s.params.Method = http.MethodGet
		}
		s.params.Method = strings.ToUpper(s.params.Method)
		if s.params.BodyEncoding == "" {
			s.params.BodyEncoding = "json"
		}
		if s.params.Timeout != "" {
			d, err := time.ParseDuration(s.params.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout %q: %w", s.params.Timeout, err)
			}
			s.timeout = d
		}
		return s, nil
	}
}

func (s *httpState) retries() int {
	if s.params.Retries != nil {
		return *s.params.Retries
	}
	return s.config.MaxRetries
}

func (s *httpState) failOnErrorStatus() bool {
	return s.params.FailOnErrorStatus == nil || *s.params.FailOnErrorStatus
}

func (s *httpState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	rawURL := ec.RenderExpression(ctx, s.params.URL)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Failed(fmt.Sprintf("invalid url %q", rawURL), map[string]any{"url": rawURL}), nil
	}

	headers := make(map[string]string, len(s.params.Headers))
	for k, v := range s.params.Headers {
		headers[k] = ec.RenderExpression(ctx, v)
	}
	body := renderValue(ctx, ec, s.params.Body)

	if err := s.config.Breakers.AllowRequest(u.Host); err != nil {
		return Failed(err.Error(), map[string]any{"url": rawURL, "circuit": CircuitOpen.String()}), nil
	}

	client := s.client()
	var result map[string]any

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(s.retries(), 0))), ctx)

	attempts := 0
	hostFault := false
	err = backoff.Retry(func() error {
		attempts++
		r, err := s.do(ctx, client, rawURL, headers, body)
		if err != nil {
			hostFault = true
			return err
		}
		result = r
		code, _ := r["status_code"].(int)
		hostFault = code >= 500
		switch {
		case code >= 500 && s.failOnErrorStatus():
			return fmt.Errorf("server returned %d", code)
		case code >= 400 && s.failOnErrorStatus():
			return backoff.Permanent(fmt.Errorf("server returned %d", code))
		}
		return nil
	}, policy)

	if hostFault {
		s.config.Breakers.RecordFailure(u.Host)
	} else {
		s.config.Breakers.RecordSuccess(u.Host)
	}

	if result == nil {
		result = map[string]any{"url": rawURL}
	}
	result["attempts"] = attempts
	if err != nil {
		return Failed(fmt.Sprintf("%s %s: %v", s.params.Method, rawURL, err), result), nil
	}
	return Success(result), nil
}

func (s *httpState) client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if s.params.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

func (s *httpState) do(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, body any) (map[string]any, error) {
	bodyReader, contentType, err := encodeBody(body, s.params.BodyEncoding)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, s.params.Method, rawURL, bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, s.params.Auth)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || !isRetryableTransportError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respContentType, "application/json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"url":          rawURL,
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsed,
		"content_type": respContentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}, nil
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		form, ok := body.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", body)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", body)), "", nil
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("marshal body: %w", err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, auth *httpAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}

// renderValue renders every string leaf of v.
func renderValue(ctx context.Context, ec ExecutionContext, v any) any {
	switch t := v.(type) {
	case string:
		return ec.RenderExpression(ctx, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = renderValue(ctx, ec, x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = renderValue(ctx, ec, x)
		}
		return out
	default:
		return v
	}
}
