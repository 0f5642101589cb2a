package resilience

import (
	"encoding/json"
	"time"
)

// Event kinds accepted by the dead-letter queue.
const (
	DLQKindTrace    = "trace"
	DLQKindPurchase = "purchase"
)

// DLQEntry records an ingest or purchase event whose ledger mutation
// exhausted its retries. The raw payload is kept so the event can be
// re-driven through the engine later.
type DLQEntry struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"` // DLQKindTrace or DLQKindPurchase
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"` // "transient" or "permanent"
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	Kind      string `json:"kind,omitempty"`       // "trace", "purchase", or "" for all
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
