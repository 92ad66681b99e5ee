package pipeline

import (
	"context"
	"time"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/trace"
)

// EmbeddingsCommand carries an embeddings request through the same
// governance steps as chat. Input is the raw input field from the wire
// (string or list of strings).
type EmbeddingsCommand struct {
	RequestID      string
	AppID          string
	OrgID          string
	Model          string
	Input          interface{}
	EncodingFormat string
	Environment    domain.Environment
	Feature        string
	ProviderAPIKey string
}

// EmbeddingsResult pairs the governance verdict with the provider
// response.
type EmbeddingsResult struct {
	Result
	Response *provider.EmbeddingsResponse
}

// ExecuteEmbeddings runs an embeddings request through admission and the
// provider call. Embeddings have no completion stage, so the cost
// estimate and the settlement both count input tokens only.
func (o *Orchestrator) ExecuteEmbeddings(ctx context.Context, cmd EmbeddingsCommand) *EmbeddingsResult {
	chatCmd := Command{
		RequestID:      cmd.RequestID,
		AppID:          cmd.AppID,
		OrgID:          cmd.OrgID,
		Model:          cmd.Model,
		Messages:       embeddingMessages(cmd.Input),
		Environment:    cmd.Environment,
		Feature:        cmd.Feature,
		Action:         domain.ActionEmbedding,
		ProviderAPIKey: cmd.ProviderAPIKey,
	}
	r := o.begin(ctx, &chatCmd)
	r.estOut = 0
	r.estCost = o.prices.EstimateCost(provider.DetectProvider(chatCmd.Model), chatCmd.Model, r.estIn, 0)

	if res := o.admit(ctx, r); res != nil {
		return &EmbeddingsResult{Result: *res}
	}

	prov, key, res := o.resolveProvider(ctx, r)
	if res != nil {
		return &EmbeddingsResult{Result: *res}
	}

	span := r.tr.StartSpan(StageLLMCall, time.Now())
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.providerTimeout(prov.Name()))
	defer cancel()

	var resp *provider.EmbeddingsResponse
	err := o.breakers.Get(breakerProvider).Execute(callCtx, func(ctx context.Context) error {
		var err error
		resp, err = prov.Embeddings(ctx, &provider.EmbeddingsRequest{
			Model:          chatCmd.Model,
			Input:          cmd.Input,
			EncodingFormat: cmd.EncodingFormat,
			APIKey:         key,
		})
		return err
	})
	if err != nil {
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		return &EmbeddingsResult{Result: *o.providerFailure(ctx, r, err)}
	}

	r.tr.EndSpan(span, time.Now(), trace.StatusOK, map[string]interface{}{
		"provider":     prov.Name(),
		"total_tokens": resp.Usage.TotalTokens,
	})
	o.saveSpan(ctx, r, span)

	latency := time.Since(r.start)
	actualCost := o.settle(ctx, r, prov.Name(), resp.Usage.TotalTokens, 0, latency, "stop")

	res2 := o.finishAllowed(ctx, r, nil, actualCost)
	return &EmbeddingsResult{Result: *res2, Response: resp}
}

// embeddingMessages normalises the embeddings input into message form so
// token estimation and the security scan see the same content shape as
// chat.
func embeddingMessages(input interface{}) []domain.Message {
	var texts []string
	switch v := input.(type) {
	case string:
		texts = []string{v}
	case []string:
		texts = v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				texts = append(texts, s)
			}
		}
	}
	out := make([]domain.Message, len(texts))
	for i, t := range texts {
		out[i] = domain.Message{Role: domain.RoleUser, Content: t}
	}
	return out
}
