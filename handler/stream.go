package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/pipeline"
)

// StreamMetrics captures chunk/byte accounting for one streaming
// response. Token billing itself happens inside the pipeline session's
// meter; this tracks the transport view for logs.
type StreamMetrics struct {
	mu               sync.Mutex
	ChunksSent       int
	BytesSent        int64
	ClientDisconnect bool
	TotalDuration    time.Duration
	Finished         bool
}

func (sm *StreamMetrics) recordChunk(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ChunksSent++
	sm.BytesSent += int64(n)
}

func (sm *StreamMetrics) recordDisconnect() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ClientDisconnect = true
}

// streamChat drives a governed streaming request: admission already ran
// in ExecuteStream; this writes canonical chunks as SSE data lines,
// detects client disconnects, and lets the session settle for whatever
// was actually sent. A disconnect mid-stream still bills the tokens that
// went out.
func (h *ProxyHandler) streamChat(w http.ResponseWriter, r *http.Request, cmd pipeline.Command) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported by server", nil)
		return
	}

	sess, res := h.orch.ExecuteStream(r.Context(), cmd)
	if res != nil {
		h.writeDecisionError(w, res)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", sess.RequestID())
	w.Header().Set("X-Trace-ID", sess.TraceID())
	w.Header().Set("X-Gateway-Model", cmd.Model)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics := &StreamMetrics{}
	start := time.Now()
	clientGone := r.Context().Done()

	logger := h.logger.With().
		Str("request_id", sess.RequestID()).
		Str("model", cmd.Model).
		Logger()

	for {
		select {
		case <-clientGone:
			metrics.recordDisconnect()
			h.finishStreamLog(logger, metrics, start, "client disconnected mid-stream, billing tokens already sent")
			return
		default:
		}

		chunk, err := sess.Next()
		if err == io.EOF {
			if _, werr := w.Write([]byte("data: [DONE]\n\n")); werr == nil {
				flusher.Flush()
			}
			metrics.mu.Lock()
			metrics.Finished = true
			metrics.mu.Unlock()
			h.finishStreamLog(logger, metrics, start, "stream completed")
			return
		}
		if err != nil {
			// Mid-stream errors are re-raised to the consumer as an SSE
			// error event, never silently swallowed; the session has
			// already failed the trace.
			writeSSEError(w, flusher, err)
			h.finishStreamLog(logger, metrics, start, "stream failed: "+err.Error())
			return
		}

		n, werr := w.Write(append(append([]byte("data: "), chunk...), '\n', '\n'))
		if werr != nil {
			metrics.recordDisconnect()
			h.finishStreamLog(logger, metrics, start, "write failed, client disconnect detected")
			return
		}
		metrics.recordChunk(n)
		flusher.Flush()
	}
}

func (h *ProxyHandler) finishStreamLog(logger zerolog.Logger, m *StreamMetrics, start time.Time, msg string) {
	m.mu.Lock()
	m.TotalDuration = time.Since(start)
	chunks, bytes, disconnected, finished := m.ChunksSent, m.BytesSent, m.ClientDisconnect, m.Finished
	m.mu.Unlock()

	logger.Info().
		Int("chunks_sent", chunks).
		Int64("bytes_sent", bytes).
		Bool("client_disconnected", disconnected).
		Bool("completed", finished).
		Dur("duration", m.TotalDuration).
		Msg(msg)
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	body, merr := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"code":    "PROVIDER_ERROR",
			"message": err.Error(),
		},
	})
	if merr != nil {
		return
	}
	if _, werr := w.Write(append(append([]byte("data: "), body...), '\n', '\n')); werr == nil {
		flusher.Flush()
	}
}
