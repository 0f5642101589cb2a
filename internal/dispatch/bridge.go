package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/loomworks/loomboard/internal/config"
	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/resilience"
	"github.com/loomworks/loomboard/internal/store"
)

// Processor is the slice of the ledger engine the bridge drives.
type Processor interface {
	Ingest(ctx context.Context, payload model.TracePayload, now time.Time) (model.IngestResult, error)
	Reconcile(ctx context.Context, event model.PurchaseEvent, now time.Time) (model.ReconcileResult, error)
}

// Bridge routes consumed events into the processor and dead-letters
// the ones that fail. Duplicates are not failures: the processor
// reports them as applied=false successes and the bridge just moves on.
type Bridge struct {
	proc       Processor
	store      store.Store
	consumer   Consumer
	cfg        config.DispatchConfig
	maxRetries int
	now        func() time.Time
}

// NewBridge wires a consumer to the processor. dlqMaxRetries bounds how
// often a dead-lettered event may be re-driven.
func NewBridge(proc Processor, st store.Store, consumer Consumer, cfg config.DispatchConfig, dlqMaxRetries int) *Bridge {
	return &Bridge{
		proc:       proc,
		store:      st,
		consumer:   consumer,
		cfg:        cfg,
		maxRetries: dlqMaxRetries,
		now:        time.Now,
	}
}

// Run consumes events until ctx is canceled or the consumer closes.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.consumer.Start(ctx); err != nil {
		return eris.Wrap(err, "dispatch: start consumer")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.consumer.Messages():
			if !ok {
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg ConsumerMessage) {
	switch msg.Topic {
	case b.cfg.TraceTopic:
		b.handleTrace(ctx, msg.Value)
	case b.cfg.PurchaseTopic:
		b.handlePurchase(ctx, msg.Value)
	default:
		zap.L().Warn("event on unexpected topic", zap.String("topic", msg.Topic))
	}
}

func (b *Bridge) handleTrace(ctx context.Context, raw []byte) {
	var payload model.TracePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		b.deadLetter(ctx, resilience.DLQKindTrace, raw, eris.Wrap(err, "decode trace"))
		return
	}
	if _, err := b.proc.Ingest(ctx, payload, b.now()); err != nil {
		b.deadLetter(ctx, resilience.DLQKindTrace, raw, err)
	}
}

func (b *Bridge) handlePurchase(ctx context.Context, raw []byte) {
	var event model.PurchaseEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		b.deadLetter(ctx, resilience.DLQKindPurchase, raw, eris.Wrap(err, "decode purchase"))
		return
	}
	if _, err := b.proc.Reconcile(ctx, event, b.now()); err != nil {
		b.deadLetter(ctx, resilience.DLQKindPurchase, raw, err)
	}
}

func (b *Bridge) deadLetter(ctx context.Context, kind string, raw []byte, cause error) {
	now := b.now().UTC()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		Kind:         kind,
		Payload:      json.RawMessage(raw),
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		RetryCount:   0,
		MaxRetries:   b.maxRetries,
		NextRetryAt:  now.Add(retryDelay(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := b.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("dead-letter enqueue failed, event dropped",
			zap.String("kind", kind), zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	zap.L().Warn("event dead-lettered",
		zap.String("id", entry.ID),
		zap.String("kind", kind),
		zap.String("error_type", entry.ErrorType),
		zap.Error(cause),
	)
}

// Redrive replays a dead-lettered event through the processor. Success
// (including a duplicate no-op) removes the entry; failure re-enqueues
// it with an incremented retry count and a pushed-out next attempt.
func (b *Bridge) Redrive(ctx context.Context, entry resilience.DLQEntry) error {
	if !entry.CanRetry() {
		return eris.Errorf("dispatch: entry %s exhausted its %d retries", entry.ID, entry.MaxRetries)
	}

	var cause error
	switch entry.Kind {
	case resilience.DLQKindTrace:
		var payload model.TracePayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			cause = eris.Wrap(err, "decode trace")
		} else {
			_, cause = b.proc.Ingest(ctx, payload, b.now())
		}
	case resilience.DLQKindPurchase:
		var event model.PurchaseEvent
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			cause = eris.Wrap(err, "decode purchase")
		} else {
			_, cause = b.proc.Reconcile(ctx, event, b.now())
		}
	default:
		return eris.Errorf("dispatch: unknown dead-letter kind %q", entry.Kind)
	}

	if cause == nil {
		if err := b.store.DeleteDLQ(ctx, entry.ID); err != nil {
			return eris.Wrap(err, "dispatch: remove redriven entry")
		}
		zap.L().Info("dead-lettered event redriven", zap.String("id", entry.ID), zap.String("kind", entry.Kind))
		return nil
	}

	now := b.now().UTC()
	entry.RetryCount++
	entry.Error = cause.Error()
	entry.ErrorType = resilience.ClassifyError(cause)
	entry.LastFailedAt = now
	entry.NextRetryAt = now.Add(retryDelay(entry.RetryCount))
	if err := b.store.EnqueueDLQ(ctx, entry); err != nil {
		return eris.Wrap(err, "dispatch: requeue failed entry")
	}
	return eris.Wrapf(cause, "dispatch: redrive %s failed (attempt %d/%d)", entry.ID, entry.RetryCount, entry.MaxRetries)
}

// retryDelay doubles per attempt from one minute, capped at an hour.
func retryDelay(retryCount int) time.Duration {
	delay := time.Minute << uint(retryCount)
	if delay > time.Hour || delay <= 0 {
		return time.Hour
	}
	return delay
}
