// Package handler exposes the gateway's inbound LLM surface: chat
// completions (sync and SSE streaming), embeddings, model listing,
// provider health, and the governance KPI read endpoint. Handlers parse
// and validate the wire shape, hand the request to the pipeline
// orchestrator, and translate its explainable result back to HTTP — the
// decision-code-to-status mapping itself lives with the orchestrator.
package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/middleware"
	"github.com/govgate/gateway/pipeline"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/security"
)

// ProxyHandler handles the /v1 LLM endpoints.
type ProxyHandler struct {
	logger   zerolog.Logger
	orch     *pipeline.Orchestrator
	registry *provider.Registry
}

// NewProxyHandler creates the proxy handler.
func NewProxyHandler(logger zerolog.Logger, orch *pipeline.Orchestrator, registry *provider.Registry) *ProxyHandler {
	return &ProxyHandler{logger: logger, orch: orch, registry: registry}
}

// chatRequest is the inbound chat-completions body: the widely adopted
// shape plus the gateway-specific feature and action fields.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Feature     string        `json:"feature,omitempty"`
	Action      string        `json:"action,omitempty"`
	User        string        `json:"user,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// securityEnvelope carries detect-only findings on the response; the
// request was still served.
type securityEnvelope struct {
	Findings []securityFinding `json:"findings"`
}

type securityFinding struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeContractError(w, "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeContractError(w, "model field is required")
		return
	}
	if len(req.Messages) == 0 {
		h.writeContractError(w, "messages field is required and must not be empty")
		return
	}

	cmd, ok := h.buildCommand(w, r, &req)
	if !ok {
		return
	}

	if req.Stream && !cmd.DryRun {
		h.streamChat(w, r, *cmd)
		return
	}

	res := h.orch.Execute(r.Context(), *cmd)
	if res.Denied() {
		h.writeDecisionError(w, res)
		return
	}
	if res.DryRun {
		h.writeDryRun(w, res)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", res.RequestID)
	w.Header().Set("X-Trace-ID", res.TraceID)
	w.Header().Set("X-Gateway-Model", cmd.Model)

	envelope := struct {
		*provider.ChatResponse
		Warnings []string          `json:"warnings,omitempty"`
		Security *securityEnvelope `json:"security,omitempty"`
	}{
		ChatResponse: res.Response,
		Warnings:     res.Warnings,
		Security:     toSecurityEnvelope(res.SecurityFindings),
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// buildCommand assembles the pipeline command from the parsed body and
// the authenticated credential. Returns ok=false after writing an error.
func (h *ProxyHandler) buildCommand(w http.ResponseWriter, r *http.Request, req *chatRequest) (*pipeline.Command, bool) {
	cc := middleware.GetCredential(r.Context())
	if cc == nil {
		// The auth middleware guards every /v1 route; reaching here
		// without a credential is a wiring bug, not a client error.
		h.writeError(w, http.StatusUnauthorized, "AUTH_MISSING_KEY", "request is not authenticated", nil)
		return nil, false
	}

	messages := make([]domain.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = domain.Message{Role: domain.Role(m.Role), Content: m.Content, Name: m.Name}
	}

	providerKey := middleware.GetPassthroughKey(r.Context())
	if providerKey == "" {
		providerKey = cc.EncryptedKey
	}

	return &pipeline.Command{
		RequestID:      r.Header.Get("X-Request-ID"),
		AppID:          cc.AppID,
		Model:          req.Model,
		Messages:       messages,
		Environment:    cc.Environment,
		Feature:        req.Feature,
		Action:         domain.Action(req.Action),
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		Stream:         req.Stream,
		DryRun:         isDryRun(r),
		ProviderAPIKey: providerKey,
	}, true
}

func isDryRun(r *http.Request) bool {
	v := r.Header.Get("X-Dry-Run")
	return strings.EqualFold(v, "true") || v == "1"
}

// embeddingsRequest is the inbound embeddings body.
type embeddingsRequest struct {
	Model          string      `json:"model"`
	Input          interface{} `json:"input"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
	Feature        string      `json:"feature,omitempty"`
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeContractError(w, "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeContractError(w, "model field is required")
		return
	}
	if req.Input == nil {
		h.writeContractError(w, "input field is required")
		return
	}

	cc := middleware.GetCredential(r.Context())
	if cc == nil {
		h.writeError(w, http.StatusUnauthorized, "AUTH_MISSING_KEY", "request is not authenticated", nil)
		return
	}
	providerKey := middleware.GetPassthroughKey(r.Context())
	if providerKey == "" {
		providerKey = cc.EncryptedKey
	}

	res := h.orch.ExecuteEmbeddings(r.Context(), pipeline.EmbeddingsCommand{
		RequestID:      r.Header.Get("X-Request-ID"),
		AppID:          cc.AppID,
		Model:          req.Model,
		Input:          req.Input,
		EncodingFormat: req.EncodingFormat,
		Environment:    cc.Environment,
		Feature:        req.Feature,
		ProviderAPIKey: providerKey,
	})
	if res.Denied() {
		h.writeDecisionError(w, &res.Result)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", res.RequestID)
	w.Header().Set("X-Trace-ID", res.TraceID)
	if err := json.NewEncoder(w).Encode(res.Response); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeDryRun reports the admission verdict and would-be cost without a
// provider call.
func (h *ProxyHandler) writeDryRun(w http.ResponseWriter, res *pipeline.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", res.RequestID)
	w.Header().Set("X-Trace-ID", res.TraceID)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"dry_run":            true,
		"would_be_allowed":   res.WouldBeAllowed,
		"estimated_cost_usd": res.EstimatedCostUSD,
		"warnings":           res.Warnings,
		"decision_chain":     res.Chain,
	})
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	models := make([]map[string]interface{}, 0)
	for _, name := range h.registry.List() {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id":       model,
				"object":   "model",
				"owned_by": name,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheckAll(r.Context())

	resp := make(map[string]interface{})
	for name, status := range health {
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeDecisionError renders a governance refusal: the stable code, the
// human reason, and the full decision chain.
func (h *ProxyHandler) writeDecisionError(w http.ResponseWriter, res *pipeline.Result) {
	h.writeError(w, pipeline.HTTPStatus(res.Code), res.Code, res.Reason, res.Chain)
}

func (h *ProxyHandler) writeContractError(w http.ResponseWriter, message string) {
	h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, status int, code, message string, chain []pipeline.StepResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(chain) > 0 {
		body["decision_chain"] = chain
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": body}); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode error response")
	}
}

func toSecurityEnvelope(findings []security.Finding) *securityEnvelope {
	if len(findings) == 0 {
		return nil
	}
	env := &securityEnvelope{Findings: make([]securityFinding, len(findings))}
	for i, f := range findings {
		env.Findings[i] = securityFinding{
			Category:    string(f.Category),
			Severity:    f.Severity.String(),
			Description: f.Description,
		}
	}
	return env
}
