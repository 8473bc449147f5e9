// Package llm is the LLM Gateway (C3): a single blocking method that sends
// a system+user message pair to a model and returns raw text. §4.3
// deliberately keeps this narrow — no retries inside, one error variant.
// The pipeline (C6) does not retry either: a failed call fails that cycle,
// and the next cycle makes a fresh call.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Logger is the same Printf-style dependency shape the rest of this repo
// uses (see logger.GatewayLogger), kept local so this package never imports
// the concrete logging backend.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Gateway is the narrow contract the pipeline depends on (§4.3, §6).
type Gateway interface {
	Chat(ctx context.Context, systemText, userText string, temperature float64) (string, error)
}

// Provider selects the wire dialect for the OpenAI-compatible chat endpoint;
// all providers in the DOMAIN STACK speak this shape, differing only in
// base URL, default model, and auth header, matching the teacher's
// provider-specific mcp clients (openai_client.go, deepseek_client.go,
// qwen_client.go, kimi_client.go, grok_client.go, gemini_client.go).
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
	ProviderQwen     Provider = "qwen"
	ProviderKimi     Provider = "kimi"
	ProviderGrok     Provider = "grok"
	ProviderGemini   Provider = "gemini"
	ProviderCustom   Provider = "custom"
)

var providerDefaults = map[Provider]struct {
	baseURL string
	model   string
}{
	ProviderOpenAI:   {"https://api.openai.com/v1", "gpt-5.2"},
	ProviderDeepSeek: {"https://api.deepseek.com/v1", "deepseek-chat"},
	ProviderQwen:     {"https://dashscope.aliyuncs.com/compatible-mode/v1", "qwen-plus"},
	ProviderKimi:     {"https://api.moonshot.cn/v1", "moonshot-v1-32k"},
	ProviderGrok:     {"https://api.x.ai/v1", "grok-4"},
	ProviderGemini:   {"https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.5-pro"},
}

// Config configures an HTTPGateway. Zero-value BaseURL/Model fall back to
// the Provider's documented defaults.
type Config struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	Logger     Logger
	HTTPClient *http.Client
}

// HTTPGateway is the single OpenAI-compatible implementation of Gateway;
// every provider in providerDefaults speaks this wire format (chat
// completions with a messages array), so one struct with swapped
// URL/model/key covers the whole DOMAIN STACK roster.
type HTTPGateway struct {
	provider Provider
	apiKey   string
	baseURL  string
	model    string
	client   *http.Client
	logger   Logger
}

// NewHTTPGateway builds a Gateway from cfg, applying provider defaults for
// any field left zero.
func NewHTTPGateway(cfg Config) *HTTPGateway {
	defaults := providerDefaults[cfg.Provider]
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaults.baseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaults.model
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &HTTPGateway{
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		model:    model,
		client:   httpClient,
		logger:   lg,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one system+user message pair and returns the model's raw text
// reply. Blocking; ctx cancellation aborts the in-flight HTTP call (§5). No
// retry is attempted here — a failure is returned as a single wrapped error
// for the caller (pipeline) to classify as "llm_failed" (§4.6 step 2, §7.3).
func (g *HTTPGateway) Chat(ctx context.Context, systemText, userText string, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemText},
			{Role: "user", Content: userText},
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm gateway: encode request: %w", err)
	}

	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	g.logger.Debugf("llm gateway: %s POST %s (temperature=%.2f)", g.provider, url, temperature)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm gateway: %s request failed: %w", g.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm gateway: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("llm gateway: %s returned non-JSON response (status %d): %w", g.provider, resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm gateway: %s error: %s", g.provider, parsed.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("llm gateway: %s returned status %d: %s", g.provider, resp.StatusCode, string(raw))
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm gateway: %s returned zero choices", g.provider)
	}

	g.logger.Infof("llm gateway: %s chat completed (%d bytes)", g.provider, len(parsed.Choices[0].Message.Content))
	return parsed.Choices[0].Message.Content, nil
}
