// Package monitoring surfaces point-in-time board health: per-tier
// counts, revenue, expiry pressure and dead-letter depth, plus webhook
// alerts when the queue or the expired backlog grows past thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/loomworks/loomboard/internal/store"
)

// BoardSnapshot holds a point-in-time view of board health.
type BoardSnapshot struct {
	LedgerVersion int64 `json:"ledger_version"`

	// Ribbon counts.
	TotalRibbons   int `json:"total_ribbons"`
	ActiveRibbons  int `json:"active_ribbons"`
	ExpiredBacklog int `json:"expired_backlog"` // expired but not yet pruned
	PaidRibbons    int `json:"paid_ribbons"`
	ExpiringSoon   int `json:"expiring_soon"`

	TierCounts map[string]int `json:"tier_counts"`

	// Revenue across reconciled purchases, in cents.
	RevenueCents int64 `json:"revenue_cents"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	SoonWindowSecs int       `json:"soon_window_secs"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Collector gathers board metrics from the ledger store.
type Collector struct {
	store      store.Store
	soonWindow time.Duration
}

// NewCollector creates a metrics collector. soonWindow bounds the
// "expiring soon" bucket.
func NewCollector(st store.Store, soonWindow time.Duration) *Collector {
	if soonWindow <= 0 {
		soonWindow = time.Hour
	}
	return &Collector{store: st, soonWindow: soonWindow}
}

// Collect gathers a snapshot of board metrics at now.
func (c *Collector) Collect(ctx context.Context, now time.Time) (*BoardSnapshot, error) {
	now = now.UTC()
	snap := &BoardSnapshot{
		TierCounts:     map[string]int{},
		SoonWindowSecs: int(c.soonWindow / time.Second),
		CollectedAt:    now,
	}

	ledger, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: ledger snapshot")
	}

	snap.LedgerVersion = ledger.Version
	snap.TotalRibbons = len(ledger.Ribbons)
	soonCutoff := now.Add(c.soonWindow)

	for i := range ledger.Ribbons {
		r := &ledger.Ribbons[i]
		if r.Expired(now) {
			snap.ExpiredBacklog++
			continue
		}
		snap.ActiveRibbons++
		snap.TierCounts[string(r.Tier)]++
		if r.Paid {
			snap.PaidRibbons++
			snap.RevenueCents += int64(r.AmountUSD*100 + 0.5)
		}
		if r.ExpiresAt != nil && !r.ExpiresAt.After(soonCutoff) {
			snap.ExpiringSoon++
		}
	}

	depth, err := c.store.DLQDepth(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: dlq depth")
	}
	snap.DLQDepth = depth

	return snap, nil
}
