package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origincreativegroup/Loom/internal/config"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "bard", Model: "x"}, nil)
	require.Error(t, err)
	_, err = New(config.LLMConfig{Provider: "ollama"}, nil)
	require.Error(t, err)
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3.2:3b", body["model"])
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "be terse", body["system"])
		assert.Equal(t, "hello", body["prompt"])
		_, _ = w.Write([]byte(`{"response":"# Report\nAll good","done":true}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "ollama", BaseURL: srv.URL + "/", Model: "llama3.2:3b", Timeout: time.Second}, srv.Client())
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), Request{System: "be terse", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "# Report\nAll good", out)
	assert.Equal(t, ProviderOllama, c.Provider())
	assert.Equal(t, "llama3.2:3b", c.Model())
}

func TestOllamaServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "ollama", BaseURL: srv.URL, Model: "m"}, srv.Client())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestOllamaTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(config.LLMConfig{Provider: "ollama", BaseURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond}, srv.Client())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "ollama", BaseURL: srv.URL, Model: "m"}, srv.Client())
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, "system", body.Messages[0]["role"])
			assert.Equal(t, "user", body.Messages[1]["role"])
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"report body"}}]}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "openai", BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "sk-test"}, srv.Client())
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), Request{System: "sys", Prompt: "user"})
	require.NoError(t, err)
	assert.Equal(t, "report body", out)
}

func TestOpenAIEndpointAcceptsV1Suffix(t *testing.T) {
	c := newOpenAI(config.LLMConfig{BaseURL: "http://ollama:11434/v1/", Model: "m"}, http.DefaultClient)
	assert.Equal(t, "http://ollama:11434/v1/models", c.endpoint("/models"))
	c = newOpenAI(config.LLMConfig{Model: "m"}, http.DefaultClient)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", c.endpoint("/chat/completions"))
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "openai", BaseURL: srv.URL, Model: "m"}, srv.Client())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
}
