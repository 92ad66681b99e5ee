package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Semaphore bounds concurrent in-flight work per key with a timeout on
// acquisition. Used by ConcurrencyGuard to cap per-application
// parallelism at the gateway edge.
type Semaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

// NewSemaphore creates a keyed semaphore with the given per-key limit.
func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 32
	}
	return &Semaphore{slots: make(map[string]chan struct{}), limit: limit}
}

func (s *Semaphore) slot(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[key]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.slots[key] = ch
	}
	return ch
}

// Acquire takes a slot for key, waiting up to timeout. Returns false if
// the key is saturated.
func (s *Semaphore) Acquire(key string, timeout time.Duration) bool {
	select {
	case s.slot(key) <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Release frees a slot for key.
func (s *Semaphore) Release(key string) {
	select {
	case <-s.slot(key):
	default:
	}
}

// ActiveCount reports the in-flight count for key.
func (s *Semaphore) ActiveCount(key string) int {
	return len(s.slot(key))
}

// ConcurrencyGuard caps concurrent requests per application so one noisy
// client cannot exhaust the handler pool for everyone else.
type ConcurrencyGuard struct {
	sem     *Semaphore
	timeout time.Duration
	logger  zerolog.Logger
}

// NewConcurrencyGuard creates a guard allowing maxConcurrentPerApp
// in-flight requests per application, waiting up to timeout for a slot
// before refusing.
func NewConcurrencyGuard(maxConcurrentPerApp int, timeout time.Duration, logger zerolog.Logger) *ConcurrencyGuard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ConcurrencyGuard{
		sem:     NewSemaphore(maxConcurrentPerApp),
		timeout: timeout,
		logger:  logger.With().Str("component", "concurrency_guard").Logger(),
	}
}

// Middleware enforces the per-application cap. Requests without a
// credential context (health endpoints) pass through unguarded.
func (cg *ConcurrencyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cc := GetCredential(r.Context())
		if cc == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := cc.AppID
		if !cg.sem.Acquire(key, cg.timeout) {
			cg.logger.Warn().
				Str("app_id", key).
				Int("active", cg.sem.ActiveCount(key)).
				Msg("per-app concurrency limit reached")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"code":    "CONCURRENCY_LIMIT_EXCEEDED",
					"message": "too many concurrent requests for this application",
				},
			})
			return
		}
		defer cg.sem.Release(key)

		next.ServeHTTP(w, r)
	})
}
