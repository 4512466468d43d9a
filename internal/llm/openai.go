package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/origincreativegroup/Loom/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// openAIClient speaks the Chat Completions API, which OpenAI-compatible
// servers (including Ollama under /v1) also expose.
type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newOpenAI(cfg config.LLMConfig, client *http.Client) *openAIClient {
	if strings.TrimSpace(cfg.BaseURL) == "" || cfg.BaseURL == defaultOllamaURL {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	return &openAIClient{cfg: cfg, client: client}
}

func (c *openAIClient) Provider() Provider { return ProviderOpenAI }

func (c *openAIClient) Model() string { return c.cfg.Model }

// endpoint accepts base URLs with or without a trailing /v1.
func (c *openAIClient) endpoint(path string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/completions"), bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	raw, err := doJSON(ctx, c.client, httpReq, "openai")
	if err != nil {
		return "", err
	}
	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/models"), nil)
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	c.authorize(httpReq)
	_, err = doJSON(ctx, c.client, httpReq, "openai")
	return err
}

func (c *openAIClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
