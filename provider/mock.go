package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// MockProvider serves test-model and mock-* models with deterministic
// responses and no upstream call. It is only consulted when the gateway
// runs in the test environment, and sits first in the dispatch order so
// test traffic never leaks to a real backend.
type MockProvider struct {
	// Latency, when set, is slept before answering so tests can exercise
	// timeout paths.
	Latency time.Duration
	// FailWith, when set, makes every call return this error.
	FailWith error
}

// NewMockProvider creates a mock connector.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) SupportsModel(model string) bool {
	m := strings.ToLower(model)
	return m == "test-model" || strings.HasPrefix(m, "mock-")
}

func (p *MockProvider) RequiresAPIKey() bool { return false }

func (p *MockProvider) Models() []string {
	return []string{"test-model", "mock-gpt-4"}
}

// lastUserContent returns the content of the last user message, or "".
func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func (p *MockProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if p.FailWith != nil {
		return nil, p.FailWith
	}

	prompt := lastUserContent(req.Messages)
	content := "Mock response to: " + prompt
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(m.Content)/4 + 1
	}
	completionTokens := len(content)/4 + 1

	return &ChatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (p *MockProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if p.FailWith != nil {
		return nil, p.FailWith
	}

	id := fmt.Sprintf("mock-%d", time.Now().UnixNano())
	words := strings.Fields("Mock response to: " + lastUserContent(req.Messages))
	chunks := make([][]byte, 0, len(words)+1)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		b, err := json.Marshal(NewContentChunk(id, req.Model, w))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, b)
	}
	final, err := json.Marshal(NewFinishChunk(id, req.Model, "stop"))
	if err != nil {
		return nil, err
	}
	chunks = append(chunks, final)
	return &sliceStream{chunks: chunks}, nil
}

func (p *MockProvider) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if p.FailWith != nil {
		return nil, p.FailWith
	}

	inputs := normalizeEmbeddingInput(req.Input)
	data := make([]EmbeddingData, len(inputs))
	totalTokens := 0
	for i, in := range inputs {
		vec := make([]float64, 8)
		for j := range vec {
			vec[j] = float64((len(in)+i+j)%97) / 97.0
		}
		data[i] = EmbeddingData{Object: "embedding", Embedding: vec, Index: i}
		totalTokens += len(in)/4 + 1
	}
	return &EmbeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage:  EmbeddingsUsage{PromptTokens: totalTokens, TotalTokens: totalTokens},
	}, nil
}

func normalizeEmbeddingInput(input interface{}) []string {
	switch v := input.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (p *MockProvider) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true, LastCheck: time.Now()}
}

func (p *MockProvider) wait(ctx context.Context) error {
	if p.Latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.Latency):
		return nil
	}
}

// sliceStream yields pre-built chunks. Used by the mock connector.
type sliceStream struct {
	chunks [][]byte
	pos    int
}

func (s *sliceStream) Next() ([]byte, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }
