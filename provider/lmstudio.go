package provider

import (
	"context"
	"strings"
	"time"
)

const lmStudioDefaultBaseURL = "http://localhost:1234/v1"

// LMStudioProvider serves models addressed with an explicit lmstudio/
// prefix. LM-Studio speaks the OpenAI wire format, so the connector
// delegates to the OpenAI connector after stripping the routing prefix
// from the model name. Local provider: no caller key required.
type LMStudioProvider struct {
	inner *OpenAIProvider
}

// NewLMStudioProvider creates a new LM-Studio provider connector.
func NewLMStudioProvider(cfg ProviderConfig) *LMStudioProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = lmStudioDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &LMStudioProvider{inner: NewOpenAIProvider(cfg)}
}

func (p *LMStudioProvider) Name() string { return "lmstudio" }

func (p *LMStudioProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "lmstudio/")
}

func (p *LMStudioProvider) RequiresAPIKey() bool { return false }

func (p *LMStudioProvider) Models() []string {
	return p.inner.Models()
}

func stripLMStudioPrefix(model string) string {
	return strings.TrimPrefix(model, "lmstudio/")
}

func (p *LMStudioProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	local := *req
	local.Model = stripLMStudioPrefix(req.Model)
	return p.inner.ChatCompletion(ctx, &local)
}

func (p *LMStudioProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	local := *req
	local.Model = stripLMStudioPrefix(req.Model)
	return p.inner.ChatCompletionStream(ctx, &local)
}

func (p *LMStudioProvider) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	local := *req
	local.Model = stripLMStudioPrefix(req.Model)
	return p.inner.Embeddings(ctx, &local)
}

func (p *LMStudioProvider) HealthCheck(ctx context.Context) HealthStatus {
	return p.inner.HealthCheck(ctx)
}
