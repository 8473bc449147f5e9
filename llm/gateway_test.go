package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGateway_Chat_Success(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "hello back"}}},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(Config{
		Provider: ProviderCustom,
		APIKey:   "test-key",
		BaseURL:  srv.URL,
		Model:    "test-model",
	})

	reply, err := gw.Chat(context.Background(), "you are a trading assistant", "what now?", 0.3)
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.InDelta(t, 0.3, gotReq.Temperature, 1e-9)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestHTTPGateway_Chat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Error: &struct {
				Message string `json:"message"`
			}{Message: "rate limited"},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(Config{Provider: ProviderCustom, APIKey: "k", BaseURL: srv.URL})
	_, err := gw.Chat(context.Background(), "sys", "usr", 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestHTTPGateway_Chat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(Config{Provider: ProviderCustom, APIKey: "k", BaseURL: srv.URL})
	_, err := gw.Chat(context.Background(), "sys", "usr", 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero choices")
}

func TestHTTPGateway_Chat_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	gw := NewHTTPGateway(Config{Provider: ProviderCustom, APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gw.Chat(ctx, "sys", "usr", 0.5)
	require.Error(t, err)
}

func TestNewHTTPGateway_ProviderDefaults(t *testing.T) {
	gw := NewHTTPGateway(Config{Provider: ProviderDeepSeek, APIKey: "k"})
	assert.Equal(t, "https://api.deepseek.com/v1", gw.baseURL)
	assert.Equal(t, "deepseek-chat", gw.model)
}
