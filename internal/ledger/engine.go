// Package ledger implements the board's mutation engine: trace ingestion,
// purchase reconciliation and expiry pruning, all serialized through the
// store's single read-modify-write contract. Redelivered events are
// absorbed by the trace_id and payment_ref idempotency keys.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/store"
	"github.com/loomworks/loomboard/internal/tier"
)

const (
	defaultMaxMessageLen = 280
	defaultSource        = "api"
	anonymousAgent       = "anonymous-agent"
	fallbackMessage      = "paid ribbon"
)

// Engine applies ledger mutations. All writers (ingest, reconcile, prune)
// funnel through the store's WithLedger, so their effect is equivalent to
// serial execution no matter how many callers run concurrently.
type Engine struct {
	store         store.Store
	policy        *tier.Policy
	maxMessageLen int
}

// NewEngine builds an engine over the given store and tier policy.
// maxMessageLen <= 0 selects the default cap of 280.
func NewEngine(st store.Store, policy *tier.Policy, maxMessageLen int) *Engine {
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &Engine{store: st, policy: policy, maxMessageLen: maxMessageLen}
}

// Ingest applies a validated trace payload at the ephemeral tier. A
// trace_id already present in the ledger is a no-op returning the
// existing record unchanged; redelivery is indistinguishable from the
// original delivery to the caller.
func (e *Engine) Ingest(ctx context.Context, payload model.TracePayload, now time.Time) (model.IngestResult, error) {
	now = now.UTC().Truncate(time.Second)
	message := model.NormalizeMessage(payload.Message, e.maxMessageLen)
	source := payload.Source
	if source == "" {
		source = defaultSource
	}

	spec, err := e.policy.Lookup(model.TierEphemeral)
	if err != nil {
		return model.IngestResult{}, err
	}

	var res model.IngestResult
	err = e.store.WithLedger(ctx, func(l *model.Ledger) (bool, error) {
		if existing := l.FindTrace(payload.TraceID); existing != nil {
			res = model.IngestResult{Created: false, Record: *existing}
			return false, nil
		}

		rec := model.RibbonRecord{
			TraceID:   payload.TraceID,
			AgentID:   payload.AgentID,
			Hash:      model.RibbonHash(payload.AgentID, message),
			Message:   message,
			Tier:      model.TierEphemeral,
			Weight:    spec.Weight,
			PinRank:   spec.PinRank,
			Source:    source,
			CreatedAt: now,
			ExpiresAt: expiryFrom(now, spec.TTL),
		}
		l.Append(rec)
		res = model.IngestResult{Created: true, Record: rec}
		return true, nil
	})
	if err != nil {
		return model.IngestResult{}, wrapWriteFailed(err)
	}

	zap.L().Info("trace ingested",
		zap.String("trace_id", payload.TraceID),
		zap.String("agent_id", payload.AgentID),
		zap.Bool("created", res.Created),
	)
	return res, nil
}

// Reconcile applies a verified purchase event: locates or creates the
// target ribbon, upgrades its tier and records the payment ref. A ref
// that was already applied is a no-op returning the previously
// reconciled record. Tier moves are strictly upward; permanent and
// featured have equal precedence and cannot replace each other.
func (e *Engine) Reconcile(ctx context.Context, event model.PurchaseEvent, now time.Time) (model.ReconcileResult, error) {
	now = now.UTC().Truncate(time.Second)

	spec, err := e.policy.Lookup(event.Tier)
	if err != nil {
		return model.ReconcileResult{}, err
	}
	if spec.PriceUSD <= 0 {
		return model.ReconcileResult{}, eris.Wrapf(tier.ErrUnknownTier, "tier %q is not purchasable", string(event.Tier))
	}

	want := tier.Cents(spec.PriceUSD)
	got := tier.Cents(event.AmountUSD)
	if got != want {
		return model.ReconcileResult{}, eris.Wrapf(ErrAmountMismatch, "tier %s costs %d cents, got %d", string(event.Tier), want, got)
	}

	// A purchase without a trace reference still needs a stable identity
	// so its own redelivery dedupes.
	if event.TraceID == "" {
		event.TraceID = "pay-" + event.PaymentRef
	}

	var res model.ReconcileResult
	err = e.store.WithLedger(ctx, func(l *model.Ledger) (bool, error) {
		if prior := l.FindPaymentRef(event.PaymentRef); prior != nil {
			res = model.ReconcileResult{Applied: false, Record: *prior}
			return false, nil
		}

		target := l.FindTrace(event.TraceID)
		if target == nil {
			// Payment preceded (or substitutes for) the trace submission.
			rec := e.newPaidRibbon(event, spec, now)
			l.Append(rec)
			res = model.ReconcileResult{Applied: true, Record: rec}
			return true, nil
		}

		if target.Tier.Rank() >= event.Tier.Rank() {
			return false, eris.Wrapf(ErrTierDowngrade, "ribbon %s is %s, refusing %s",
				target.TraceID, string(target.Tier), string(event.Tier))
		}

		target.Tier = event.Tier
		target.Weight = spec.Weight
		target.PinRank = spec.PinRank
		target.ExpiresAt = expiryFrom(target.CreatedAt, spec.TTL)
		target.RecordPayment(event.PaymentRef, event.AmountUSD)
		res = model.ReconcileResult{Applied: true, Record: *target}
		return true, nil
	})
	if err != nil {
		return model.ReconcileResult{}, wrapWriteFailed(err)
	}

	zap.L().Info("purchase reconciled",
		zap.String("payment_ref", event.PaymentRef),
		zap.String("tier", string(event.Tier)),
		zap.Bool("applied", res.Applied),
	)
	return res, nil
}

// Prune removes every ribbon whose expiry has elapsed at now and returns
// the removed trace ids. Safe to invoke repeatedly: each pass scans the
// latest committed snapshot inside the mutation, so records created or
// upgraded after a previous scan are never pruned from stale data.
func (e *Engine) Prune(ctx context.Context, now time.Time) (model.PruneResult, error) {
	now = now.UTC()

	var res model.PruneResult
	err := e.store.WithLedger(ctx, func(l *model.Ledger) (bool, error) {
		kept := l.Ribbons[:0:0]
		for i := range l.Ribbons {
			if l.Ribbons[i].Expired(now) {
				res.Removed = append(res.Removed, l.Ribbons[i].TraceID)
				continue
			}
			kept = append(kept, l.Ribbons[i])
		}
		if len(res.Removed) == 0 {
			return false, nil
		}
		l.Ribbons = kept
		return true, nil
	})
	if err != nil {
		return model.PruneResult{}, wrapWriteFailed(err)
	}

	if len(res.Removed) > 0 {
		zap.L().Info("pruned expired ribbons", zap.Int("removed", len(res.Removed)))
	}
	return res, nil
}

// ListActive returns the committed, unexpired ribbons in display order
// without mutating the store.
func (e *Engine) ListActive(ctx context.Context, now time.Time) ([]model.RibbonRecord, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: snapshot")
	}
	return snap.Active(now.UTC()), nil
}

func (e *Engine) newPaidRibbon(event model.PurchaseEvent, spec tier.Spec, now time.Time) model.RibbonRecord {
	agentID := event.AgentID
	if agentID == "" {
		agentID = anonymousAgent
	}
	message := model.NormalizeMessage(event.Message, e.maxMessageLen)
	if message == "" {
		message = fallbackMessage
	}
	source := "payment"
	if event.Provider != "" {
		source = "payment-" + event.Provider
	}

	rec := model.RibbonRecord{
		TraceID:   event.TraceID,
		AgentID:   agentID,
		Hash:      model.RibbonHash(agentID, message),
		Message:   message,
		Tier:      event.Tier,
		Weight:    spec.Weight,
		PinRank:   spec.PinRank,
		Source:    source,
		CreatedAt: now,
		ExpiresAt: expiryFrom(now, spec.TTL),
	}
	rec.RecordPayment(event.PaymentRef, event.AmountUSD)
	return rec
}

// expiryFrom derives the expiry from the record's creation time, keeping
// expires_at consistent with tier and created_at across upgrades.
func expiryFrom(createdAt time.Time, ttl *time.Duration) *time.Time {
	if ttl == nil {
		return nil
	}
	t := createdAt.Add(*ttl)
	return &t
}
