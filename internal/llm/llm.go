package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/origincreativegroup/Loom/internal/config"
)

type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// ErrUnavailable wraps transport failures so callers can tell an absent
// backend apart from a bad response.
var ErrUnavailable = errors.New("llm unavailable")

type Request struct {
	System string
	Prompt string
	// Temperature is passed through when positive.
	Temperature float64
}

type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Ping checks that the backend answers without generating anything.
	Ping(ctx context.Context) error
	Provider() Provider
	Model() string
}

// New returns the client for cfg.Provider. No network call is made.
func New(cfg config.LLMConfig, httpClient *http.Client) (Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}
	switch Provider(cfg.Provider) {
	case ProviderOllama:
		return newOllama(cfg, httpClient), nil
	case ProviderOpenAI:
		return newOpenAI(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (supported: ollama, openai)", cfg.Provider)
	}
}

func doJSON(ctx context.Context, client *http.Client, req *http.Request, scope string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", scope, ctx.Err())
		}
		return nil, fmt.Errorf("%s: send request: %w: %w", scope, ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", scope, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%s: API error %d: %w: %s", scope, resp.StatusCode, ErrUnavailable, msg)
		}
		return nil, fmt.Errorf("%s: API error %d: %s", scope, resp.StatusCode, msg)
	}
	return body, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
