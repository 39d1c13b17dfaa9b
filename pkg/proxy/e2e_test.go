package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/keys"
	openai "github.com/sashabaranov/go-openai"
)

func TestOpenAIClientThroughGateway(t *testing.T) {
	s := newTestServer(t, func(c *config.ServerConfig) { c.DailyRequestLimit = 2 })
	up := newFakeUpstream(t, "sk-upstream-1234", "gpt-x")
	addProvider(t, s, "Acme", up)

	created := decodeBody[keys.Key](t, doJSON(t, s, http.MethodPost, "/api/user/keys", userToken, map[string]any{"name": "sdk"}))
	gw := httptest.NewServer(s.httpServer.Handler)
	defer gw.Close()

	cfg := openai.DefaultConfig(created.Key)
	cfg.BaseURL = gw.URL + "/v1"
	client := openai.NewClientWithConfig(cfg)
	ctx := context.Background()

	models, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models.Models) != 1 || models.Models[0].ID != "gpt-x" {
		t.Fatalf("unexpected models %+v", models.Models)
	}

	req := openai.ChatCompletionRequest{
		Model:    "gpt-x",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("unexpected completion %+v", resp)
	}
	if got := up.lastChatBody()["user"]; got != "user_1" {
		t.Fatalf("expected key owner forwarded as user, got %v", got)
	}

	if _, err := client.CreateChatCompletion(ctx, req); err != nil {
		t.Fatalf("second completion: %v", err)
	}
	_, err = client.CreateChatCompletion(ctx, req)
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError at quota, got %v", err)
	}
	if apiErr.HTTPStatusCode != http.StatusTooManyRequests || apiErr.Code != "daily_limit_reached" {
		t.Fatalf("unexpected quota error %+v", apiErr)
	}
}
