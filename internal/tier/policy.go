// Package tier holds the static retention/pricing policy for board tiers.
package tier

import (
	"math"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loomboard/internal/model"
)

// ErrUnknownTier is returned for any tier name outside the closed set.
var ErrUnknownTier = eris.New("unknown tier")

// Spec describes one tier: its price, retention and display emphasis.
// A nil TTL means the tier never expires.
type Spec struct {
	Label    string
	PriceUSD float64
	TTL      *time.Duration
	Weight   int
	PinRank  int
}

// Policy maps tier names to their specs. The zero value is unusable; use
// Default or Load.
type Policy struct {
	specs map[model.Tier]Spec
}

func ttl(d time.Duration) *time.Duration { return &d }

// Default returns the canonical tier table.
func Default() *Policy {
	return &Policy{specs: map[model.Tier]Spec{
		model.TierEphemeral: {Label: "Ephemeral", PriceUSD: 0.00, TTL: ttl(time.Hour), Weight: 1, PinRank: 0},
		model.TierDay:       {Label: "Day Pass", PriceUSD: 0.10, TTL: ttl(24 * time.Hour), Weight: 2, PinRank: 0},
		model.Tier3Day:      {Label: "3-Day Slot", PriceUSD: 0.25, TTL: ttl(72 * time.Hour), Weight: 3, PinRank: 0},
		model.TierPermanent: {Label: "Permanent", PriceUSD: 1.00, TTL: nil, Weight: 5, PinRank: 1},
		model.TierFeatured:  {Label: "Featured", PriceUSD: 2.00, TTL: nil, Weight: 8, PinRank: 2},
	}}
}

// Lookup returns the spec for a tier, or ErrUnknownTier.
func (p *Policy) Lookup(t model.Tier) (Spec, error) {
	spec, ok := p.specs[t]
	if !ok {
		return Spec{}, eris.Wrapf(ErrUnknownTier, "%q", string(t))
	}
	return spec, nil
}

// PriceCents returns the tier price in the smallest currency unit.
func (p *Policy) PriceCents(t model.Tier) (int64, error) {
	spec, err := p.Lookup(t)
	if err != nil {
		return 0, err
	}
	return Cents(spec.PriceUSD), nil
}

// Tiers returns the known tier names in ascending rank order.
func (p *Policy) Tiers() []model.Tier {
	return []model.Tier{model.TierEphemeral, model.TierDay, model.Tier3Day, model.TierPermanent, model.TierFeatured}
}

// Cents converts a USD amount to integer cents.
func Cents(usd float64) int64 {
	return int64(math.Round(usd * 100))
}

// overrideFile is the YAML shape for per-tier policy overrides. Only
// price and TTL may be overridden; the tier set itself is closed.
type overrideFile struct {
	Tiers map[string]struct {
		PriceUSD *float64 `yaml:"price_usd"`
		TTLHours *int     `yaml:"ttl_hours"`
	} `yaml:"tiers"`
}

// Load returns the default policy with overrides applied from a YAML
// file. Overriding an unknown tier name is an error.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tier: read overrides %s", path)
	}

	var of overrideFile
	if err := yaml.Unmarshal(raw, &of); err != nil {
		return nil, eris.Wrapf(err, "tier: parse overrides %s", path)
	}

	for name, ov := range of.Tiers {
		t := model.Tier(name)
		spec, ok := p.specs[t]
		if !ok {
			return nil, eris.Wrapf(ErrUnknownTier, "override %q", name)
		}
		if ov.PriceUSD != nil {
			spec.PriceUSD = *ov.PriceUSD
		}
		if ov.TTLHours != nil {
			if *ov.TTLHours <= 0 {
				spec.TTL = nil
			} else {
				spec.TTL = ttl(time.Duration(*ov.TTLHours) * time.Hour)
			}
		}
		p.specs[t] = spec
	}
	return p, nil
}
