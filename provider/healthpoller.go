package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultFailThreshold is how many consecutive failed probes it takes
// before a provider is reported degraded. One lost probe against a live
// upstream is noise; flapping the health gauge on it would churn the
// dispatcher and the on-call alerts for nothing.
const defaultFailThreshold = 2

// providerHealthState is the poller's damped view of one provider.
type providerHealthState struct {
	healthy          bool
	consecutiveFails int
	last             HealthStatus
}

// HealthPoller probes every registered provider in the background and
// keeps a damped health verdict per provider: a single failed probe only
// counts a strike, and only failThreshold consecutive strikes flip the
// provider to degraded. Recovery is immediate on the first good probe.
type HealthPoller struct {
	registry      *Registry
	logger        zerolog.Logger
	interval      time.Duration
	failThreshold int

	mu       sync.RWMutex
	state    map[string]*providerHealthState
	onChange func(provider string, healthy bool, status HealthStatus)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller that checks all providers at the given
// interval (minimum 5 seconds).
func NewHealthPoller(registry *Registry, logger zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		registry:      registry,
		logger:        logger.With().Str("component", "health_poller").Logger(),
		interval:      interval,
		failThreshold: defaultFailThreshold,
		state:         make(map[string]*providerHealthState),
		done:          make(chan struct{}),
	}
}

// OnStatusChange registers a callback invoked when a provider's damped
// verdict transitions (healthy -> degraded or back).
func (hp *HealthPoller) OnStatusChange(cb func(provider string, healthy bool, status HealthStatus)) {
	hp.onChange = cb
}

// Start begins the background polling loop. Call Stop to shut it down.
func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel

	hp.logger.Info().
		Dur("interval", hp.interval).
		Int("fail_threshold", hp.failThreshold).
		Msg("starting provider health poller")

	go hp.pollLoop(ctx)
}

// Stop shuts the poller down and waits for the loop to exit.
func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
	hp.logger.Info().Msg("health poller stopped")
}

func (hp *HealthPoller) pollLoop(ctx context.Context) {
	defer close(hp.done)

	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()

	hp.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll(ctx)
		}
	}
}

func (hp *HealthPoller) poll(ctx context.Context) {
	// Per-poll timeout so one wedged provider can't stall the cycle.
	pollCtx, cancel := context.WithTimeout(ctx, hp.interval/2)
	defer cancel()

	results := hp.registry.HealthCheckAll(pollCtx)

	type transition struct {
		name    string
		healthy bool
		status  HealthStatus
	}
	var transitions []transition

	hp.mu.Lock()
	for name, status := range results {
		st, known := hp.state[name]
		if !known {
			// First sight of a provider: trust the probe as-is, no strike
			// accounting and no transition callback.
			hp.state[name] = &providerHealthState{healthy: status.Healthy, last: status}
			continue
		}
		st.last = status

		if status.Healthy {
			st.consecutiveFails = 0
			if !st.healthy {
				st.healthy = true
				transitions = append(transitions, transition{name, true, status})
			}
			continue
		}

		st.consecutiveFails++
		if st.healthy && st.consecutiveFails >= hp.failThreshold {
			st.healthy = false
			transitions = append(transitions, transition{name, false, status})
		}
	}
	hp.mu.Unlock()

	for _, tr := range transitions {
		verb := "recovered"
		if !tr.healthy {
			verb = "degraded"
		}
		hp.logger.Warn().
			Str("provider", tr.name).
			Str("transition", verb).
			Str("error", tr.status.Error).
			Dur("latency", tr.status.Latency).
			Msg("provider status change")
		if hp.onChange != nil {
			hp.onChange(tr.name, tr.healthy, tr.status)
		}
	}
}

// Snapshot returns the cached per-provider status from the last poll; it
// never probes. The raw probe result is returned alongside the damped
// verdict in the Healthy field.
func (hp *HealthPoller) Snapshot() map[string]HealthStatus {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	out := make(map[string]HealthStatus, len(hp.state))
	for name, st := range hp.state {
		s := st.last
		s.Healthy = st.healthy
		out[name] = s
	}
	return out
}

// IsHealthy reports the damped verdict for one provider. Providers the
// poller has not seen yet default to healthy, so a cold start never
// blackholes dispatch.
func (hp *HealthPoller) IsHealthy(name string) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	st, ok := hp.state[name]
	if !ok {
		return true
	}
	return st.healthy
}
