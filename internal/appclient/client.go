package appclient

import (
	"bufio"
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

	"github.com/origincreativegroup/Loom/internal/api"
)

type Client struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

func New(baseURL, apiKey string) *Client {
	return NewWithClient(baseURL, apiKey, &http.Client{})
}

func NewWithClient(baseURL, apiKey string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type WatchOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound
}

func (c *Client) CreateCase(ctx context.Context, req api.CreateCaseRequest) (api.CaseAccepted, error) {
	return call[api.CaseAccepted](ctx, c, http.MethodPost, "/v1/cases", nil, req)
}

func (c *Client) ListCases(ctx context.Context, limit int) (api.CasesEnvelope, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return call[api.CasesEnvelope](ctx, c, http.MethodGet, "/v1/cases", query, nil)
}

func (c *Client) GetCase(ctx context.Context, caseID string) (api.CaseDetail, error) {
	return call[api.CaseDetail](ctx, c, http.MethodGet, casePath(caseID, ""), nil, nil)
}

func (c *Client) Status(ctx context.Context, caseID string) (api.CaseStatusResponse, error) {
	return call[api.CaseStatusResponse](ctx, c, http.MethodGet, casePath(caseID, "status"), nil, nil)
}

func (c *Client) Report(ctx context.Context, caseID string) (api.ReportResponse, error) {
	return call[api.ReportResponse](ctx, c, http.MethodGet, casePath(caseID, "report"), nil, nil)
}

func (c *Client) ToolPayload(ctx context.Context, caseID, toolName string) (api.ToolPayloadResponse, error) {
	return call[api.ToolPayloadResponse](ctx, c, http.MethodGet, casePath(caseID, "tools/"+url.PathEscape(toolName)), nil, nil)
}

func (c *Client) Logs(ctx context.Context, caseID string) (api.LogsEnvelope, error) {
	return call[api.LogsEnvelope](ctx, c, http.MethodGet, casePath(caseID, "logs"), nil, nil)
}

func (c *Client) Cancel(ctx context.Context, caseID string) (api.CancelResponse, error) {
	return call[api.CancelResponse](ctx, c, http.MethodPost, casePath(caseID, "cancel"), nil, nil)
}

func (c *Client) Tools(ctx context.Context) (api.ToolsEnvelope, error) {
	return call[api.ToolsEnvelope](ctx, c, http.MethodGet, "/v1/tools", nil, nil)
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return call[api.HealthResponse](ctx, c, http.MethodGet, "/v1/health", nil, nil)
}

func (c *Client) Config(ctx context.Context) (api.ConfigResponse, error) {
	return call[api.ConfigResponse](ctx, c, http.MethodGet, "/v1/config", nil, nil)
}

// Chat waits as long as ctx allows; model answers routinely exceed the
// unary timeout.
func (c *Client) Chat(ctx context.Context, req api.ChatRequest) (api.ChatResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/chat", nil, req, true)
	if err != nil {
		return api.ChatResponse{}, err
	}
	var out api.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return api.ChatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	return out, nil
}

// Watch follows the case's watch stream, calling onLine for every line,
// until a terminal line arrives. Dropped streams are reopened with
// exponential backoff; non-retryable errors end the watch.
func (c *Client) Watch(ctx context.Context, caseID string, opts WatchOptions, onLine func(api.WatchLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		terminal, err := c.watchStream(ctx, caseID, onLine)
		if terminal {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrWatchPayloadInvalid) || ctx.Err() != nil {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			var cbErr *callbackError
			if errors.As(err, &cbErr) {
				return cbErr.err
			}
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func (c *Client) watchStream(ctx context.Context, caseID string, onLine func(api.WatchLine) error) (bool, error) {
	resp, err := c.open(ctx, http.MethodGet, casePath(caseID, "watch"), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return false, fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return false, &callbackError{err: err}
			}
		}
		if line.Type == "terminal" {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read watch stream: %w", err)
	}
	return false, io.ErrUnexpectedEOF
}

func call[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (T, error) {
	var out T
	payload, err := c.request(ctx, method, path, query, body, false)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	resp, err := c.open(reqCtx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}

// open sends the request and converts error statuses into *RequestError.
// On success the caller owns resp.Body.
func (c *Client) open(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return nil, &RequestError{
		StatusCode: resp.StatusCode,
		Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func casePath(caseID, sub string) string {
	p := "/v1/cases/" + url.PathEscape(strings.TrimSpace(caseID))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
