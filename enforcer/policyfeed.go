package enforcer

import (
	"context"
	"log/slog"

	"github.com/weirqos/weirqos/channel"
)

// maxUint32 is the clamp ceiling for incoming limit shares (§4.1
// "Limit-share ingestion": "Shares above UINT_MAX are clamped to
// UINT_MAX with a warning").
const maxUint32 = 1<<32 - 1

// PolicyHandler is the production implementation of channel.Handler: it
// applies every decoded Policy Channel message (§4.4) to a LimitTable and
// Violations pair, closing the control loop described in §1 between the
// Policy Generator and the Edge Enforcer. RateViolation/ReqsBlock/
// ReqsUnblock messages go to Violations (consulted by Filter.Enable's
// admit check, §4.1 step 3); BandwidthViolation and LimitShareBlock
// messages go to the per-user DirState throttle/share fields consulted
// by Shaper.Decide (§4.1.a/.b).
type PolicyHandler struct {
	table      *LimitTable
	violations *Violations
	logger     *slog.Logger
}

// NewPolicyHandler returns a PolicyHandler ready to be passed to
// channel.NewClient.
func NewPolicyHandler(table *LimitTable, violations *Violations, logger *slog.Logger) *PolicyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyHandler{table: table, violations: violations, logger: logger}
}

// HandlePolicy applies one decoded record from a "policies" block.
func (h *PolicyHandler) HandlePolicy(p channel.Policy) {
	if p.Kind == channel.KindBandwidthViolation {
		h.applyBandwidthViolation(p)
		return
	}
	h.violations.Ingest(p)
}

// applyBandwidthViolation implements §4.1 "Violation ingestion"'s
// `user_bnd_<up|dwn>,<user1>[:<diff_ratio1>],...` family:
// `set_throttle_epoch_us(user, direction, ts_usec, diff_ratio)`, with
// PreviousDiffRatio preserving the prior value so the shaper's jitter
// condition can be keyed off its direction of change.
func (h *PolicyHandler) applyBandwidthViolation(p channel.Policy) {
	dir, ok := ParseDirection(p.Direction)
	if !ok {
		h.logger.Warn("bandwidth violation with unknown direction, ignoring", "direction", p.Direction)
		return
	}
	for _, ur := range p.Ratios {
		limit, ok := h.table.Get(ur.User)
		if !ok {
			// No local activity for this user; nothing to throttle here.
			continue
		}
		d := limit.dirState(dir)
		limit.Lock()
		d.PreviousDiffRatio = d.DiffRatio
		d.DiffRatio = ur.DiffRatio
		d.ThrottleReceivedEpochSec = p.TimestampUsec / 1_000_000
		d.ElapsedUsecInEpoch = p.TimestampUsec % 1_000_000
		limit.Unlock()
	}
}

// HandleLimitShare applies a decoded "limit_share" block (§4.1
// "Limit-share ingestion", invariant I6): per (user, direction), an
// update is accepted iff its timestamp is >= the stored one; shares
// above uint32 max are clamped with a warning; unknown direction tokens
// are logged and ignored.
func (h *PolicyHandler) HandleLimitShare(block channel.LimitShareBlock) {
	for _, e := range block.Entries {
		limit, ok := h.table.Get(e.User)
		if !ok {
			continue
		}
		for _, share := range e.Shares {
			dir, ok := ParseDirection(share.Direction)
			if !ok {
				h.logger.Warn("limit share with unknown direction, ignoring", "direction", share.Direction, "user", e.User)
				continue
			}
			bytes := share.Bytes
			if bytes > maxUint32 {
				h.logger.Warn("limit share exceeds uint32 max, clamping", "user", e.User, "bytes", bytes)
				bytes = maxUint32
			}

			d := limit.dirState(dir)
			limit.Lock()
			if e.TimestampSec >= d.ReceivedAtUnix {
				d.ReceivedAtUnix = e.TimestampSec
				d.ShareBytesPerSec = bytes
				d.Received = true
			}
			limit.Unlock()
		}
	}
}

// StartPolicyFeed dials the Policy Channel at addr and applies every
// decoded message to table/violations until ctx is canceled, reconnecting
// with jittered backoff on disconnect (§4.4, §7 "policy-channel
// disconnect"). This is the Edge Enforcer's only consumer of the Policy
// Generator's broadcasts; the ginmw/echomw/fibermw adapters call this
// once at middleware construction when Config.PolicyChannelAddr is set.
func StartPolicyFeed(ctx context.Context, addr string, table *LimitTable, violations *Violations, logger *slog.Logger, opts ...channel.ClientOption) *channel.Client {
	if logger == nil {
		logger = slog.Default()
	}
	handler := NewPolicyHandler(table, violations, logger)
	client := channel.NewClient(addr, handler, append([]channel.ClientOption{channel.WithLogger(logger)}, opts...)...)
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("policy channel client exited", "error", err)
		}
	}()
	return client
}
