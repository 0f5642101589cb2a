// Package model defines the ribbon ledger entities shared across the
// ingest, reconcile and prune paths.
package model

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Tier is a named retention/emphasis class for a ribbon.
type Tier string

const (
	TierEphemeral Tier = "ephemeral"
	TierDay       Tier = "day"
	Tier3Day      Tier = "3day"
	TierPermanent Tier = "permanent"
	TierFeatured  Tier = "featured"
)

// Rank returns the tier's position in the upgrade order. Permanent and
// featured share the top rank: neither may replace the other.
func (t Tier) Rank() int {
	switch t {
	case TierEphemeral:
		return 0
	case TierDay:
		return 1
	case Tier3Day:
		return 2
	case TierPermanent, TierFeatured:
		return 3
	}
	return -1
}

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// RibbonRecord is a single entry in the board ledger.
type RibbonRecord struct {
	TraceID    string     `json:"trace_id"`
	AgentID    string     `json:"agent_id"`
	Hash       string     `json:"hash"`
	Message    string     `json:"message"`
	Tier       Tier       `json:"tier"`
	Weight     int        `json:"weight"`
	PinRank    int        `json:"pin_rank"`
	Source     string     `json:"source"`
	Paid       bool       `json:"paid"`
	PaymentRef string     `json:"payment_ref,omitempty"`
	PaymentLog []string   `json:"payment_log,omitempty"`
	AmountUSD  float64    `json:"amount_usd,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
// Records without an expiry never expire.
func (r *RibbonRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Ledger is the versioned, ordered collection of ribbons. Persisted order
// is insertion order, most-recent-last; Version is the optimistic
// concurrency token managed by the store.
type Ledger struct {
	Version int64          `json:"version"`
	Ribbons []RibbonRecord `json:"ribbons"`
}

// FindTrace returns the ribbon with the given trace id, or nil.
func (l *Ledger) FindTrace(traceID string) *RibbonRecord {
	for i := range l.Ribbons {
		if l.Ribbons[i].TraceID == traceID {
			return &l.Ribbons[i]
		}
	}
	return nil
}

// FindPaymentRef returns the ribbon a payment ref was ever applied to, or
// nil. The per-record payment log keeps replayed refs idempotent even
// after a later upgrade replaced the displayed ref.
func (l *Ledger) FindPaymentRef(ref string) *RibbonRecord {
	if ref == "" {
		return nil
	}
	for i := range l.Ribbons {
		r := &l.Ribbons[i]
		if r.PaymentRef == ref {
			return r
		}
		for _, logged := range r.PaymentLog {
			if logged == ref {
				return r
			}
		}
	}
	return nil
}

// RecordPayment marks the ribbon paid under the given ref, keeping the
// full history of applied refs.
func (r *RibbonRecord) RecordPayment(ref string, amountUSD float64) {
	r.Paid = true
	r.PaymentRef = ref
	r.AmountUSD = amountUSD
	r.PaymentLog = append(r.PaymentLog, ref)
}

// Append adds a ribbon at the end of the ledger, preserving insertion order.
func (l *Ledger) Append(r RibbonRecord) {
	l.Ribbons = append(l.Ribbons, r)
}

// Active returns the ribbons whose TTL has not elapsed at now, in display
// order: (pin_rank, weight, created_at) descending, stable.
func (l *Ledger) Active(now time.Time) []RibbonRecord {
	out := make([]RibbonRecord, 0, len(l.Ribbons))
	for i := range l.Ribbons {
		if !l.Ribbons[i].Expired(now) {
			out = append(out, l.Ribbons[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PinRank != out[j].PinRank {
			return out[i].PinRank > out[j].PinRank
		}
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// TracePayload is a validated trace submission from the boundary layer.
type TracePayload struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
	Source  string `json:"source"`
}

// PurchaseEvent is a verified payment confirmation from the boundary layer.
type PurchaseEvent struct {
	TraceID    string  `json:"trace_id"`
	AgentID    string  `json:"agent_id"`
	Message    string  `json:"message"`
	Tier       Tier    `json:"tier"`
	PaymentRef string  `json:"payment_ref"`
	AmountUSD  float64 `json:"amount_usd"`
	Provider   string  `json:"provider,omitempty"`
}

// IngestResult reports the outcome of a trace ingestion.
type IngestResult struct {
	Created bool         `json:"created"`
	Record  RibbonRecord `json:"record"`
}

// ReconcileResult reports the outcome of a purchase reconciliation.
type ReconcileResult struct {
	Applied bool         `json:"applied"`
	Record  RibbonRecord `json:"record"`
}

// PruneResult lists the trace ids removed by a prune pass.
type PruneResult struct {
	Removed []string `json:"removed"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeMessage collapses whitespace runs, trims, NFC-normalizes and
// caps the message at maxLen runes.
func NormalizeMessage(message string, maxLen int) string {
	cleaned := whitespaceRun.ReplaceAllString(strings.TrimSpace(message), " ")
	cleaned = norm.NFC.String(cleaned)
	runes := []rune(cleaned)
	if maxLen > 0 && len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return cleaned
}

// RibbonHash is the deterministic display hash shown on the board: the
// first 8 hex characters, uppercased, of SHA-256 over "agent_id|message".
func RibbonHash(agentID, message string) string {
	sum := sha256.Sum256([]byte(agentID + "|" + message))
	return strings.ToUpper(fmt.Sprintf("%x", sum)[:8])
}
