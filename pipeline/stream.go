package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/govgate/gateway/metering"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/resilience"
	"github.com/govgate/gateway/trace"
)

// StreamSession is the bounded producer handed to the HTTP layer for a
// streaming request. It yields canonical chunk payloads, meters the
// output as it flows, and settles the ledger exactly once on whichever
// exit path the consumer takes — normal completion, mid-stream error, or
// client abandonment. Close is safe to call on every path and after EOF.
type StreamSession struct {
	o      *Orchestrator
	run    *run
	prov   provider.Provider
	stream provider.Stream
	meter  *metering.StreamMeter
	cancel context.CancelFunc

	once sync.Once
}

// ExecuteStream runs a streaming request through the governance steps and
// opens the provider stream. A non-nil Result means the request was
// refused (or failed) before any bytes flowed, and no session exists;
// otherwise the caller owns the returned session and must drain or close
// it.
func (o *Orchestrator) ExecuteStream(ctx context.Context, cmd Command) (*StreamSession, *Result) {
	cmd.Stream = true
	r := o.begin(ctx, &cmd)

	if res := o.admit(ctx, r); res != nil {
		return nil, res
	}
	if cmd.DryRun {
		return nil, o.finishDryRun(ctx, r)
	}

	prov, key, res := o.resolveProvider(ctx, r)
	if res != nil {
		return nil, res
	}

	span := r.tr.StartSpan(StageLLMCall, time.Now())

	// The stream outlives this function; the deadline is carried by a
	// context cancelled when the session finishes.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.providerTimeout(prov.Name()))

	var stream provider.Stream
	err := o.breakers.Get(breakerProvider).Execute(callCtx, func(ctx context.Context) error {
		var err error
		stream, err = prov.ChatCompletionStream(ctx, cmd.toWireRequest(key))
		return err
	})
	if err != nil {
		cancel()
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		return nil, o.providerFailure(ctx, r, err)
	}

	return &StreamSession{
		o:      o,
		run:    r,
		prov:   prov,
		stream: stream,
		meter:  metering.NewStreamMeter(o.counter, r.estIn),
		cancel: cancel,
	}, nil
}

func (cmd *Command) toWireRequest(key string) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:       cmd.Model,
		Messages:    toWireMessages(cmd.Messages),
		MaxTokens:   cmd.MaxTokens,
		Temperature: cmd.Temperature,
		Stream:      true,
		APIKey:      key,
	}
}

// TraceID returns the session's trace id for response headers.
func (s *StreamSession) TraceID() string { return s.run.tr.TraceID }

// RequestID returns the request id the session settles under.
func (s *StreamSession) RequestID() string { return s.run.cmd.RequestID }

// Warnings returns the non-blocking warnings accumulated during
// admission, for the handler to surface before streaming begins.
func (s *StreamSession) Warnings() []string { return s.run.warnings }

// Next returns the next canonical chunk payload. io.EOF marks normal
// completion (after which the session has already settled); any other
// error has failed the trace and is re-raised to the consumer, never
// swallowed.
func (s *StreamSession) Next() ([]byte, error) {
	chunk, err := s.stream.Next()
	if err == io.EOF {
		s.finish("stop", nil)
		return nil, io.EOF
	}
	if err != nil {
		s.finish("error", err)
		return nil, err
	}
	s.meter.AddChunk(provider.ContentOfChunk(chunk))
	return chunk, nil
}

// Close releases the upstream connection. If the consumer abandoned the
// stream before EOF, the tokens already sent are billed — a disconnect is
// a settlement, not a refund.
func (s *StreamSession) Close() error {
	s.finish("client_disconnect", nil)
	s.cancel()
	return s.stream.Close()
}

// finish settles exactly once per started stream: the "request finished"
// accounting must not double-fire when Close follows EOF.
func (s *StreamSession) finish(reason string, cause error) {
	s.once.Do(func() {
		ctx := context.Background()
		r := s.run
		latency := time.Since(r.start)

		span := &r.tr.Spans[len(r.tr.Spans)-1] // llm_call, opened in ExecuteStream

		if cause != nil {
			r.tr.EndSpanError(span, time.Now(), cause)
			s.o.saveSpan(ctx, r, span)
			switch {
			case errors.Is(cause, context.DeadlineExceeded):
				if s.o.metrics != nil {
					s.o.metrics.ProviderTimeout(s.prov.Name())
				}
				s.o.failWith(ctx, r, CodeProviderTimeout, "provider stream timed out", trace.StatusTimeout)
			case errors.Is(cause, resilience.ErrOpen):
				s.o.failWith(ctx, r, CodeServiceUnavailable, "provider circuit open", trace.StatusError)
			default:
				s.o.failWith(ctx, r, CodeProviderError, cause.Error(), trace.StatusError)
			}
			return
		}

		inTokens := s.meter.InputTokens()
		outTokens := s.meter.OutputTokens()
		r.tr.EndSpan(span, time.Now(), trace.StatusOK, map[string]interface{}{
			"provider":          s.prov.Name(),
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"finish":            reason,
		})
		s.o.saveSpan(ctx, r, span)

		s.o.settle(ctx, r, s.prov.Name(), inTokens, outTokens, latency, reason)

		r.tr.Close(time.Now())
		if err := s.o.traces.CompleteTrace(ctx, r.tr); err != nil {
			r.logger.Warn().Err(err).Msg("trace completion failed")
		}
	})
}
