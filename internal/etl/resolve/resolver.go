package resolve

import (
	"strings"

	"github.com/insideestates/estates-etl/internal/model"
)

// TierPolicy enables and weights one of the name-only tiers.
type TierPolicy struct {
	Enabled    bool
	Confidence float64
}

// Policy configures the optional parts of the tier ladder.
type Policy struct {
	Name         TierPolicy
	PreviousName TierPolicy
	// SourceFallback returns the proprietor's own name and number as a
	// Land_Registry match instead of No_Match.
	SourceFallback bool
}

// DefaultPolicy enables both name tiers at their standard confidences.
func DefaultPolicy() Policy {
	return Policy{
		Name:         TierPolicy{Enabled: true, Confidence: model.TierName.DefaultConfidence()},
		PreviousName: TierPolicy{Enabled: true, Confidence: model.TierPreviousName.DefaultConfidence()},
	}
}

// Resolver applies the tier ladder against an index. It holds no mutable
// state and may be shared across goroutines.
type Resolver struct {
	idx    *Index
	policy Policy
}

// NewResolver creates a resolver over idx.
func NewResolver(idx *Index, policy Policy) *Resolver {
	return &Resolver{idx: idx, policy: policy}
}

// Resolve returns exactly one tier for a proprietor. Ineligible categories
// never consult the index.
func (r *Resolver) Resolve(name, number, category string) model.SlotMatch {
	if !model.EligibleCategory(category) {
		return model.SlotMatch{Tier: model.TierIneligible}
	}

	normName := NormalizeName(name)
	normNumber := NormalizeNumber(number)

	if normNumber != "" {
		if e, ok := r.idx.ByNumber(normNumber); ok {
			if normName != "" && e.NormName == normName {
				return matched(model.TierNameAndNumber, e, model.TierNameAndNumber.DefaultConfidence())
			}
			return matched(model.TierNumber, e, model.TierNumber.DefaultConfidence())
		}
	}

	if normName != "" {
		if r.policy.Name.Enabled {
			if e, ok := r.idx.ByCurrentName(normName); ok {
				return matched(model.TierName, e, r.policy.Name.Confidence)
			}
		}
		if r.policy.PreviousName.Enabled {
			if e, ok := r.idx.ByHistoricalName(normName); ok {
				return matched(model.TierPreviousName, e, r.policy.PreviousName.Confidence)
			}
		}
	}

	if r.policy.SourceFallback && strings.TrimSpace(name) != "" {
		return model.SlotMatch{
			Tier:       model.TierLandRegistry,
			Name:       strings.TrimSpace(name),
			Number:     normNumber,
			Confidence: model.TierLandRegistry.DefaultConfidence(),
		}
	}
	return model.SlotMatch{Tier: model.TierNoMatch}
}

// ResolveRecord resolves the four proprietor slots of a title record.
// Unoccupied slots stay empty.
func (r *Resolver) ResolveRecord(rec *model.TitleRecord) model.MatchResult {
	res := model.MatchResult{RecordID: rec.ID}
	for i, p := range rec.Proprietors {
		if !p.Occupied() {
			continue
		}
		res.Slots[i] = r.Resolve(p.Name, p.RegistrationNumber, p.Category)
	}
	return res
}

func matched(t model.Tier, e Entity, confidence float64) model.SlotMatch {
	return model.SlotMatch{Tier: t, Name: e.Name, Number: e.Number, Confidence: confidence}
}

// Explanation reports every lookup for one proprietor, for diagnostics.
type Explanation struct {
	NormName        string
	NormNumber      string
	Eligible        bool
	ByNameAndNumber *Entity
	ByNumber        *Entity
	ByCurrentName   *Entity
	ByHistorical    *Entity
	Outcome         model.SlotMatch
}

// Explain runs every lookup regardless of precedence and returns them along
// with the outcome Resolve would produce.
func (r *Resolver) Explain(name, number, category string) Explanation {
	ex := Explanation{
		NormName:   NormalizeName(name),
		NormNumber: NormalizeNumber(number),
		Eligible:   model.EligibleCategory(category),
		Outcome:    r.Resolve(name, number, category),
	}
	ex.ByNameAndNumber = hit(r.idx.ByNameAndNumber(ex.NormName, ex.NormNumber))
	ex.ByNumber = hit(r.idx.ByNumber(ex.NormNumber))
	ex.ByCurrentName = hit(r.idx.ByCurrentName(ex.NormName))
	ex.ByHistorical = hit(r.idx.ByHistoricalName(ex.NormName))
	return ex
}

func hit(e Entity, ok bool) *Entity {
	if !ok {
		return nil
	}
	return &e
}
