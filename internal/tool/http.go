package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/origincreativegroup/Loom/internal/model"
)

const maxResponseBytes = 16 << 20

// HTTPCallFunc performs the API exchange for one invocation and returns the
// normalized records together with the raw response text.
type HTTPCallFunc func(ctx context.Context, api *APIClient, target string, opts Options) ([]model.Record, string, error)

// HTTPAdapter talks to a tool that exposes an HTTP API.
type HTTPAdapter struct {
	desc model.ToolDescriptor
	api  *APIClient
	call HTTPCallFunc
}

func NewHTTPAdapter(desc model.ToolDescriptor, api *APIClient, call HTTPCallFunc) *HTTPAdapter {
	desc.Kind = model.KindRemoteHTTP
	return &HTTPAdapter{desc: desc, api: api, call: call}
}

func (a *HTTPAdapter) Descriptor() model.ToolDescriptor {
	return a.desc
}

func (a *HTTPAdapter) Execute(ctx context.Context, target string, opts Options) model.ToolOutcome {
	out := begin(a.desc.Name)
	if strings.TrimSpace(target) == "" {
		return fail(ctx, out, fmt.Errorf("target is empty"))
	}
	records, raw, err := a.call(ctx, a.api, target, opts)
	if err != nil {
		return fail(ctx, out, err)
	}
	return succeed(out, raw, records)
}

// APIClient is a small JSON client bound to one tool endpoint.
type APIClient struct {
	BaseURL      string
	Header       http.Header
	HTTP         *http.Client
	PollInterval time.Duration
}

func NewAPIClient(baseURL string, header http.Header, httpClient *http.Client, pollInterval time.Duration) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if header == nil {
		header = http.Header{}
	}
	return &APIClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Header:       header,
		HTTP:         httpClient,
		PollInterval: pollInterval,
	}
}

type APIRequest struct {
	Method string
	Path   string
	Query  url.Values
	JSON   any
	Form   url.Values
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Do sends req and decodes a JSON response into out when out is non-nil.
// The raw body is returned either way.
func (c *APIClient) Do(ctx context.Context, req APIRequest, out any) ([]byte, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("endpoint url is not configured")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	endpoint := c.BaseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		buf, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &StatusError{Code: resp.StatusCode, Body: tail(string(raw), 256)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

// Poller paces repeated status checks within a single invocation. The first
// Wait returns immediately.
func (c *APIClient) Poller() *rate.Limiter {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
