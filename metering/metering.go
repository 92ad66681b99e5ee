// Package metering estimates token counts ahead of a provider call. The
// gateway has no tokenizer dependency for every model family it proxies,
// so estimation is character-based — acceptable for admission control, but
// the post-call ledger entry always uses the provider's reported
// prompt/completion tokens, never this estimate.
package metering

import (
	"sync/atomic"
	"time"

	"github.com/govgate/gateway/domain"
)

// TokenCounter estimates token counts from raw text using a configurable
// characters-per-token ratio.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter. charsPerToken <= 0 falls back to
// 4.0, a reasonable average for English prose.
func NewTokenCounter(charsPerToken float64) *TokenCounter {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &TokenCounter{charsPerToken: charsPerToken}
}

// EstimateTokens estimates the token count of a single string, including a
// fixed per-string overhead for special/formatting tokens.
func (tc *TokenCounter) EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(float64(len(text))/tc.charsPerToken) + 3
}

// EstimateMessagesTokens estimates the total prompt token count for a chat
// conversation.
func (tc *TokenCounter) EstimateMessagesTokens(messages []domain.Message) int {
	total := 0
	for _, msg := range messages {
		total += 4 // role + separator overhead, mirrors provider chat-template framing
		total += tc.EstimateTokens(msg.Content)
		if msg.Name != "" {
			total += tc.EstimateTokens(msg.Name)
		}
	}
	total += 2
	return total
}

// StreamMeter accumulates output tokens as SSE chunks arrive, so a
// mid-stream disconnect still has an estimate to bill against.
type StreamMeter struct {
	counter      *TokenCounter
	inputTokens  int
	outputTokens int64
	chunkCount   int64
	startTime    time.Time
}

// NewStreamMeter creates a stream meter pre-loaded with the estimated input
// token count.
func NewStreamMeter(counter *TokenCounter, inputTokens int) *StreamMeter {
	return &StreamMeter{counter: counter, inputTokens: inputTokens, startTime: time.Now()}
}

// AddChunk records one streamed text delta.
func (sm *StreamMeter) AddChunk(text string) {
	atomic.AddInt64(&sm.outputTokens, int64(sm.counter.EstimateTokens(text)))
	atomic.AddInt64(&sm.chunkCount, 1)
}

// InputTokens returns the pre-loaded input token estimate.
func (sm *StreamMeter) InputTokens() int { return sm.inputTokens }

// OutputTokens returns the accumulated output token estimate.
func (sm *StreamMeter) OutputTokens() int { return int(atomic.LoadInt64(&sm.outputTokens)) }

// TotalTokens returns input + output tokens.
func (sm *StreamMeter) TotalTokens() int { return sm.inputTokens + sm.OutputTokens() }

// ChunkCount returns the number of chunks processed so far.
func (sm *StreamMeter) ChunkCount() int { return int(atomic.LoadInt64(&sm.chunkCount)) }

// Duration returns the time elapsed since the meter was created.
func (sm *StreamMeter) Duration() time.Duration { return time.Since(sm.startTime) }
