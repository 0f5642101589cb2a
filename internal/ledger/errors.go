package ledger

import (
	"github.com/rotisserie/eris"

	"github.com/loomworks/loomboard/internal/tier"
)

// Error taxonomy for ledger mutations. Duplicate deliveries are not
// errors: they surface as created=false / applied=false successes so the
// redelivering transport sees the original outcome.
var (
	// ErrAmountMismatch marks a purchase whose amount does not match the
	// tier price in the smallest currency unit.
	ErrAmountMismatch = eris.New("amount mismatch")

	// ErrTierDowngrade marks a purchase that would lower (or sideways-
	// replace) the target ribbon's tier.
	ErrTierDowngrade = eris.New("tier downgrade")

	// ErrWriteFailed marks a ledger mutation that exhausted the store's
	// retry budget. The caller owns upstream retry of the whole event.
	ErrWriteFailed = eris.New("ledger write failed")
)

// IsBusinessError reports whether err is a rule rejection rather than a
// storage failure.
func IsBusinessError(err error) bool {
	return eris.Is(err, tier.ErrUnknownTier) ||
		eris.Is(err, ErrAmountMismatch) ||
		eris.Is(err, ErrTierDowngrade)
}

// wrapWriteFailed classifies a WithLedger error: business rejections pass
// through untouched, anything else becomes ErrWriteFailed.
func wrapWriteFailed(err error) error {
	if err == nil {
		return nil
	}
	if IsBusinessError(err) {
		return err
	}
	return eris.Wrapf(ErrWriteFailed, "%v", err)
}
