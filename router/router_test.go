package router_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/cache"
	"github.com/govgate/gateway/config"
	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/kpi"
	"github.com/govgate/gateway/metering"
	"github.com/govgate/gateway/middleware"
	"github.com/govgate/gateway/observability"
	"github.com/govgate/gateway/pipeline"
	"github.com/govgate/gateway/pricing"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/repo"
	"github.com/govgate/gateway/router"
)

type stack struct {
	handler  http.Handler
	store    *repo.MemoryStore
	apiKey   string
	budgetID int64
}

// newStack assembles the full gateway over the in-memory store and the
// mock provider, the way main does, and seeds one application with a
// credential and a daily budget.
func newStack(t *testing.T, b domain.Budget) *stack {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		APIKeyHeader:     "X-API-Key",
		RateLimitEnabled: false,
		MaxBodyBytes:     1 << 20,
		DefaultTimeout:   30 * time.Second,
	}

	store := repo.NewMemoryStore(log)
	if _, err := store.ApplicationRepo().Create(ctx, domain.Application{
		AppID:    "test-app",
		Name:     "Test App",
		IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	apiKey, _, err := store.CredentialRepo().Create(ctx, domain.APICredential{
		AppID:       "test-app",
		Name:        "default",
		Environment: domain.EnvProduction,
	})
	if err != nil {
		t.Fatal(err)
	}

	b.Scope = domain.ScopeApplication
	b.ApplicationID = "test-app"
	if b.Period == "" {
		b.Period = domain.PeriodDaily
	}
	if b.PeriodStart.IsZero() {
		b.PeriodStart = time.Now()
	}
	created, err := store.BudgetRepo().Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}

	registry := provider.NewRegistry()
	registry.Register(provider.NewMockProvider())

	prices := pricing.Default()
	prices.Set("mock/", pricing.ModelPricing{InputPer1M: 1000, OutputPer1M: 2000})

	metrics := observability.NewMetrics(log)
	orch := pipeline.New(pipeline.Deps{
		Logger: log,
		Config: pipeline.Config{
			Environment:            "test",
			DefaultMaxOutputTokens: 1000,
			ProviderTimeout:        cfg.ProviderTimeout,
		},
		Apps:      store.ApplicationRepo(),
		Policies:  store.PolicyRepo(),
		Budgets:   store.BudgetRepo(),
		Features:  store.FeatureRegistryRepo(),
		Usage:     store.UsageRepo(),
		Audit:     store.AuditLogRepo(),
		Traces:    store.RequestTracingRepo(),
		Providers: registry,
		Pricing:   prices,
		Counter:   metering.NewTokenCounter(0),
		Metrics:   metrics,
	})

	auth := middleware.NewAuthenticator(log, store.CredentialRepo(), store.ApplicationRepo(), cache.NewMemory())
	agg := kpi.New(log, store.UsageRepo(), store.RequestTracingRepo(), store.AuditLogRepo(), 0)

	h := router.New(router.Deps{
		Config:        cfg,
		Logger:        log,
		Orchestrator:  orch,
		Registry:      registry,
		Authenticator: auth,
		Metrics:       metrics,
		KPI:           agg,
	})
	return &stack{handler: h, store: store, apiKey: apiKey, budgetID: created.ID}
}

func chatBody(model string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "Hello"}},
	})
	return body
}

func (s *stack) post(t *testing.T, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func TestChatCompletionHappyPath(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	rr := s.post(t, "/v1/chat/completions", chatBody("mock-gpt-4"), map[string]string{"X-Request-ID": "e2e-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		t.Fatal("empty completion content")
	}

	ctx := context.Background()
	rec, err := s.store.UsageRepo().ByRequestID(ctx, "e2e-1")
	if err != nil {
		t.Fatalf("usage record missing: %v", err)
	}
	if rec.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", rec.CostUSD)
	}
	b, err := s.store.BudgetRepo().GetByID(ctx, s.budgetID)
	if err != nil {
		t.Fatal(err)
	}
	if b.CurrentSpendUSD != rec.CostUSD {
		t.Errorf("budget spend %v != ledger cost %v", b.CurrentSpendUSD, rec.CostUSD)
	}
}

func TestChatCompletionMissingKey(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(chatBody("mock-gpt-4")))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "AUTH_MISSING_KEY") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestChatCompletionBudgetDeny(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 0.8, HardLimitUSD: 1, CurrentSpendUSD: 0.99})

	rr := s.post(t, "/v1/chat/completions", chatBody("mock-gpt-4"), nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d body=%s, want 402", rr.Code, rr.Body.String())
	}

	var errResp struct {
		Error struct {
			Code          string                `json:"code"`
			DecisionChain []pipeline.StepResult `json:"decision_chain"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Code != "BUDGET_HARD_LIMIT_EXCEEDED" {
		t.Errorf("code = %s", errResp.Error.Code)
	}
	if len(errResp.Error.DecisionChain) == 0 {
		t.Error("denial must carry the decision chain")
	}
}

func TestChatCompletionDryRun(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	rr := s.post(t, "/v1/chat/completions", chatBody("mock-gpt-4"), map[string]string{
		"X-Dry-Run":    "true",
		"X-Request-ID": "dry-1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		DryRun           bool    `json:"dry_run"`
		WouldBeAllowed   bool    `json:"would_be_allowed"`
		EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.DryRun || !resp.WouldBeAllowed {
		t.Errorf("dry_run=%v would_be_allowed=%v", resp.DryRun, resp.WouldBeAllowed)
	}
	if resp.EstimatedCostUSD <= 0 {
		t.Error("estimated cost must be positive")
	}

	if _, err := s.store.UsageRepo().ByRequestID(context.Background(), "dry-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Error("dry run must not create a usage record")
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	body, _ := json.Marshal(map[string]interface{}{
		"model":    "mock-gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "Hello"}},
		"stream":   true,
	})
	rr := s.post(t, "/v1/chat/completions", body, map[string]string{"X-Request-ID": "stream-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %s", ct)
	}

	var dataLines []string
	scanner := bufio.NewScanner(rr.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(dataLines) < 2 {
		t.Fatalf("got %d data lines, want chunks plus [DONE]", len(dataLines))
	}
	if dataLines[len(dataLines)-1] != "[DONE]" {
		t.Errorf("stream must terminate with [DONE], got %q", dataLines[len(dataLines)-1])
	}

	// Every non-terminal line parses as a canonical chunk; the last chunk
	// carries finish_reason=stop.
	var content strings.Builder
	var finish string
	for _, line := range dataLines[:len(dataLines)-1] {
		var chunk provider.ChatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			t.Fatalf("chunk not canonical JSON: %v (%s)", err, line)
		}
		if len(chunk.Choices) != 1 {
			t.Fatalf("chunk has %d choices", len(chunk.Choices))
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			finish = *fr
		}
	}
	if content.Len() == 0 {
		t.Error("no streamed content")
	}
	if finish != "stop" {
		t.Errorf("finish_reason = %q, want stop", finish)
	}

	rec, err := s.store.UsageRepo().ByRequestID(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("streaming request did not settle usage: %v", err)
	}
	if rec.OutputTokens <= 0 {
		t.Error("streaming settlement must bill output tokens")
	}
}

func TestEmbeddings(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	body, _ := json.Marshal(map[string]interface{}{
		"model": "mock-embed",
		"input": "The quick brown fox",
	})
	rr := s.post(t, "/v1/embeddings", body, map[string]string{"X-Request-ID": "emb-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) == 0 {
		t.Errorf("unexpected embeddings payload: %+v", resp.Data)
	}

	if _, err := s.store.UsageRepo().ByRequestID(context.Background(), "emb-1"); err != nil {
		t.Errorf("embeddings request did not settle usage: %v", err)
	}
}

func TestGovernanceKPIEndpoint(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	// Generate some traffic first.
	if rr := s.post(t, "/v1/chat/completions", chatBody("mock-gpt-4"), nil); rr.Code != http.StatusOK {
		t.Fatalf("traffic setup failed: %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/governance/kpi?window_hours=24", nil)
	req.Header.Set("X-API-Key", s.apiKey)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	var report kpi.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.AppID != "test-app" {
		t.Errorf("app_id = %s", report.AppID)
	}
	if report.TotalCostUSD <= 0 {
		t.Error("report should reflect the generated traffic")
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	s := newStack(t, domain.Budget{SoftLimitUSD: 80, HardLimitUSD: 100})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200 without auth", rr.Code)
	}
}
