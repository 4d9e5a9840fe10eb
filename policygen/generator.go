package policygen

import (
	"context"
	"log/slog"
	"time"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/metrics"
	"github.com/weirqos/weirqos/store"
)

// DefaultTickInterval is the cadence at which the generator recomputes and
// broadcasts policy (§4.3 "Cadence & failure": "runs on a fixed tick,
// default every second").
const DefaultTickInterval = 1 * time.Second

// DefaultWindowSeconds is how many trailing one-second buckets of rate
// counters are read each tick (§4.3 Inputs (a): "the recent window",
// wide enough to smooth over a tick landing slightly early or late).
const DefaultWindowSeconds = 3

// GeneratorOption configures a Generator constructed by NewGenerator.
type GeneratorOption func(*Generator)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.tickInterval = d }
}

// WithWindowSeconds overrides DefaultWindowSeconds.
func WithWindowSeconds(n int) GeneratorOption {
	return func(g *Generator) { g.windowSeconds = n }
}

// WithGeneratorLogger overrides the generator's logger.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

// WithGeneratorMetrics attaches a PolicyGenMetrics instance to record tick
// duration, violations, and broadcast counts.
func WithGeneratorMetrics(m *metrics.PolicyGenMetrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// Generator is the Policy Generator's tick loop (§4.3): each tick it reads
// aggregated usage from the shared KV store, combines it with the current
// tier configuration, computes rate/concurrency/bandwidth policy, and
// broadcasts the result over the Policy Channel.
type Generator struct {
	store  store.Store
	config *ConfigStore
	server *channel.Server
	logger *slog.Logger

	tickInterval  time.Duration
	windowSeconds int
	metrics       *metrics.PolicyGenMetrics

	// blocked tracks which users were reqs_block'd as of the previous
	// tick, so unblock stays edge-triggered (§4.3 "Concurrent-request
	// policy") across ticks of the same running process.
	blocked map[string]bool
}

// NewGenerator returns a Generator ready to Run.
func NewGenerator(st store.Store, cfg *ConfigStore, server *channel.Server, opts ...GeneratorOption) *Generator {
	g := &Generator{
		store:         st,
		config:        cfg,
		server:        server,
		logger:        slog.Default(),
		tickInterval:  DefaultTickInterval,
		windowSeconds: DefaultWindowSeconds,
		blocked:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run drives the tick loop until ctx is canceled.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			g.tick(ctx, now)
		}
	}
}

// tick runs one full policy computation and broadcast. Failures are
// logged and skipped rather than fatal: a tick that can't read the store
// simply emits no updates, leaving edges on their last-known policy
// (§4.3 "if the KV store is unreachable the generator emits no updates").
func (g *Generator) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	nowSec := now.Unix()
	seconds := make([]int64, g.windowSeconds)
	for i := range seconds {
		seconds[i] = nowSec - int64(i) - 1
	}

	inputs, err := CollectTickInputs(ctx, g.store, seconds, g.logger)
	if err != nil {
		g.logger.Warn("policygen: tick skipped, could not collect inputs", "error", err)
		return
	}

	cfg := g.config.Current()

	var policies []channel.Policy
	rateViolations := RateViolations(cfg, inputs)
	policies = append(policies, rateViolations...)

	concurrent, blocked := ConcurrentPolicies(cfg, inputs, g.blocked)
	g.blocked = blocked
	policies = append(policies, concurrent...)

	timeRemaining := 1.0 - now.Sub(now.Truncate(time.Second)).Seconds()
	shareBlock, bwViolations := BandwidthShares(cfg, inputs, nowSec, timeRemaining)
	policies = append(policies, bwViolations...)

	g.server.BroadcastPolicies(policies)
	g.server.BroadcastLimitShare(shareBlock)

	if g.metrics != nil {
		g.metrics.ObserveTick(time.Since(start).Seconds())
		g.metrics.RecordViolations("rate", len(rateViolations))
		g.metrics.RecordViolations("bandwidth", len(bwViolations))
		for _, p := range concurrent {
			if p.Kind == channel.KindReqsBlock {
				g.metrics.RecordViolations("reqs_block", 1)
			} else {
				g.metrics.RecordViolations("reqs_unblock", 1)
			}
		}
		g.metrics.RecordShareBroadcast()
		g.metrics.SetConnectedEdges(g.server.ConnCount())
	}
}
