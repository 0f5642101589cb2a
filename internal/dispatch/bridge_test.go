package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loomboard/internal/config"
	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/resilience"
	"github.com/loomworks/loomboard/internal/store"
)

type fakeProcessor struct {
	ingested   []model.TracePayload
	reconciled []model.PurchaseEvent
	ingestErr  error
	reconErr   error
}

func (f *fakeProcessor) Ingest(ctx context.Context, payload model.TracePayload, now time.Time) (model.IngestResult, error) {
	if f.ingestErr != nil {
		return model.IngestResult{}, f.ingestErr
	}
	f.ingested = append(f.ingested, payload)
	return model.IngestResult{Created: true}, nil
}

func (f *fakeProcessor) Reconcile(ctx context.Context, event model.PurchaseEvent, now time.Time) (model.ReconcileResult, error) {
	if f.reconErr != nil {
		return model.ReconcileResult{}, f.reconErr
	}
	f.reconciled = append(f.reconciled, event)
	return model.ReconcileResult{Applied: true}, nil
}

// memStore implements the store contract in memory for bridge tests.
type memStore struct {
	entries map[string]resilience.DLQEntry
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]resilience.DLQEntry{}}
}

func (m *memStore) WithLedger(ctx context.Context, fn store.Mutation) error { return nil }
func (m *memStore) Snapshot(ctx context.Context) (*model.Ledger, error)     { return &model.Ledger{}, nil }
func (m *memStore) Migrate(ctx context.Context) error                       { return nil }
func (m *memStore) Close() error                                            { return nil }

func (m *memStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	m.entries[entry.ID] = entry
	return nil
}

func (m *memStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	var out []resilience.DLQEntry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) DeleteDLQ(ctx context.Context, id string) error {
	delete(m.entries, id)
	return nil
}

func (m *memStore) DLQDepth(ctx context.Context) (int, error) { return len(m.entries), nil }

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		TraceTopic:    "board.traces",
		PurchaseTopic: "board.purchases",
	}
}

func newTestBridge(proc *fakeProcessor, st *memStore) *Bridge {
	b := NewBridge(proc, st, NewChannelConsumer(), testDispatchConfig(), 3)
	b.now = func() time.Time { return time.Unix(1000, 0).UTC() }
	return b
}

func TestBridge_RoutesTraceEvents(t *testing.T) {
	proc := &fakeProcessor{}
	b := newTestBridge(proc, newMemStore())

	b.handle(context.Background(), ConsumerMessage{
		Topic: "board.traces",
		Value: []byte(`{"trace_id":"t1","agent_id":"a1","message":"hello"}`),
	})

	require.Len(t, proc.ingested, 1)
	assert.Equal(t, "t1", proc.ingested[0].TraceID)
	assert.Equal(t, "hello", proc.ingested[0].Message)
	assert.Empty(t, proc.reconciled)
}

func TestBridge_RoutesPurchaseEvents(t *testing.T) {
	proc := &fakeProcessor{}
	b := newTestBridge(proc, newMemStore())

	b.handle(context.Background(), ConsumerMessage{
		Topic: "board.purchases",
		Value: []byte(`{"trace_id":"t1","tier":"day","payment_ref":"pay-1","amount_usd":0.10}`),
	})

	require.Len(t, proc.reconciled, 1)
	assert.Equal(t, "pay-1", proc.reconciled[0].PaymentRef)
	assert.Equal(t, model.TierDay, proc.reconciled[0].Tier)
}

func TestBridge_IgnoresUnknownTopic(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	b := newTestBridge(proc, st)

	b.handle(context.Background(), ConsumerMessage{Topic: "other", Value: []byte(`{}`)})

	assert.Empty(t, proc.ingested)
	assert.Empty(t, st.entries)
}

func TestBridge_DeadLettersMalformedPayload(t *testing.T) {
	st := newMemStore()
	b := newTestBridge(&fakeProcessor{}, st)

	b.handle(context.Background(), ConsumerMessage{Topic: "board.traces", Value: []byte(`not json`)})

	require.Len(t, st.entries, 1)
	for _, e := range st.entries {
		assert.Equal(t, resilience.DLQKindTrace, e.Kind)
		assert.Equal(t, "permanent", e.ErrorType)
		assert.Equal(t, 0, e.RetryCount)
		assert.Equal(t, 3, e.MaxRetries)
	}
}

func TestBridge_DeadLettersProcessorFailure(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{reconErr: eris.New("database is locked")}
	b := newTestBridge(proc, st)

	b.handle(context.Background(), ConsumerMessage{
		Topic: "board.purchases",
		Value: []byte(`{"trace_id":"t1","tier":"day","payment_ref":"pay-1","amount_usd":0.10}`),
	})

	require.Len(t, st.entries, 1)
	for _, e := range st.entries {
		assert.Equal(t, resilience.DLQKindPurchase, e.Kind)
		assert.Equal(t, "transient", e.ErrorType)
	}
}

func TestBridge_RunDrainsConsumerAndStops(t *testing.T) {
	proc := &fakeProcessor{}
	consumer := NewChannelConsumer()
	b := NewBridge(proc, newMemStore(), consumer, testDispatchConfig(), 3)

	consumer.Send(ConsumerMessage{
		Topic: "board.traces",
		Value: []byte(`{"trace_id":"t1","agent_id":"a1","message":"hi"}`),
	})
	require.NoError(t, consumer.Close())

	require.NoError(t, b.Run(context.Background()))
	assert.Len(t, proc.ingested, 1)
}

func TestBridge_RedriveSuccessRemovesEntry(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{}
	b := newTestBridge(proc, st)

	entry := resilience.DLQEntry{
		ID:         "e1",
		Kind:       resilience.DLQKindTrace,
		Payload:    []byte(`{"trace_id":"t1","agent_id":"a1","message":"hi"}`),
		MaxRetries: 3,
	}
	require.NoError(t, st.EnqueueDLQ(context.Background(), entry))

	require.NoError(t, b.Redrive(context.Background(), entry))
	assert.Empty(t, st.entries)
	assert.Len(t, proc.ingested, 1)
}

func TestBridge_RedriveFailureRequeues(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{ingestErr: eris.New("database is locked")}
	b := newTestBridge(proc, st)

	entry := resilience.DLQEntry{
		ID:         "e1",
		Kind:       resilience.DLQKindTrace,
		Payload:    []byte(`{"trace_id":"t1"}`),
		MaxRetries: 3,
	}

	err := b.Redrive(context.Background(), entry)
	require.Error(t, err)

	requeued, ok := st.entries["e1"]
	require.True(t, ok)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, "transient", requeued.ErrorType)
	assert.True(t, requeued.CanRetry())
}

func TestBridge_RedriveExhausted(t *testing.T) {
	b := newTestBridge(&fakeProcessor{}, newMemStore())

	err := b.Redrive(context.Background(), resilience.DLQEntry{
		ID:         "e1",
		Kind:       resilience.DLQKindTrace,
		RetryCount: 3,
		MaxRetries: 3,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Minute, retryDelay(0))
	assert.Equal(t, 2*time.Minute, retryDelay(1))
	assert.Equal(t, 8*time.Minute, retryDelay(3))
	assert.Equal(t, time.Hour, retryDelay(10))
	assert.Equal(t, time.Hour, retryDelay(64))
}
