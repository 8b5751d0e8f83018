// Package decision maps a fraud score to a risk tier and an enforcement
// action using an ascending table of thresholds.
package decision

import (
	"sort"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Decision is the outcome of applying the policy to one score.
type Decision struct {
	Level   domain.RiskLevel
	Action  domain.Action
	Flagged bool
}

// Policy holds a validated band table. It is immutable and safe for
// concurrent use.
type Policy struct {
	bands []domain.Band
}

// NewPolicy validates bands and builds a policy.
func NewPolicy(bands []domain.Band) (*Policy, error) {
	cfg := domain.DefaultScoringConfig()
	cfg.Bands = bands
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{bands: append([]domain.Band(nil), bands...)}, nil
}

// Bands returns a copy of the band table.
func (p *Policy) Bands() []domain.Band {
	return append([]domain.Band(nil), p.bands...)
}

// Decide selects the band with the highest threshold not exceeding score.
// A degraded score never blocks: BLOCK is downgraded to REVIEW and the
// result is flagged. The tier is always the one the score earns.
func (p *Policy) Decide(score float64, degraded bool) Decision {
	i := sort.Search(len(p.bands), func(i int) bool {
		return p.bands[i].Threshold > score
	}) - 1
	if i < 0 {
		i = 0
	}
	b := p.bands[i]

	d := Decision{Level: b.Level, Action: b.Action, Flagged: b.Flag}
	if degraded {
		d.Action = Downgrade(d.Action)
		d.Flagged = true
	}
	return d
}

// Downgrade moves an action one step toward caution for single-model
// opinions. Only BLOCK changes; REVIEW already defers to a human.
func Downgrade(a domain.Action) domain.Action {
	if a == domain.ActionBlock {
		return domain.ActionReview
	}
	return a
}
