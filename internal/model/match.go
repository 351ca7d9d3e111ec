package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Tier is the outcome class of resolving one proprietor slot.
type Tier uint8

const (
	// TierNone marks an unoccupied slot; it is stored as NULL.
	TierNone Tier = iota
	TierNameAndNumber
	TierNumber
	TierName
	TierPreviousName
	TierNoMatch
	// TierLandRegistry is the fallback that echoes the source's own name
	// and number when no register entity was found.
	TierLandRegistry
	// TierIneligible marks a proprietorship category that is never resolved.
	TierIneligible
)

var tierNames = [...]string{
	TierNone:          "",
	TierNameAndNumber: "Name+Number",
	TierNumber:        "Number",
	TierName:          "Name",
	TierPreviousName:  "Previous_Name",
	TierNoMatch:       "No_Match",
	TierLandRegistry:  "Land_Registry",
	TierIneligible:    "Ineligible",
}

// String returns the stored representation of the tier.
func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", uint8(t))
}

// ParseTier maps a stored tier string back to its enum value.
func ParseTier(s string) (Tier, error) {
	for i, n := range tierNames {
		if n == s {
			return Tier(i), nil
		}
	}
	return TierNone, eris.Errorf("model: unknown match tier %q", s)
}

// Matched reports whether the tier resolved to a named entity.
func (t Tier) Matched() bool {
	switch t {
	case TierNameAndNumber, TierNumber, TierName, TierPreviousName, TierLandRegistry:
		return true
	default:
		return false
	}
}

// DefaultConfidence is the fixed confidence attached to each tier.
func (t Tier) DefaultConfidence() float64 {
	switch t {
	case TierNameAndNumber:
		return 1.0
	case TierNumber:
		return 0.9
	case TierName:
		return 0.7
	case TierPreviousName:
		return 0.5
	case TierLandRegistry:
		return 0.3
	default:
		return 0.0
	}
}

// Tiers lists every non-empty tier in precedence order.
var Tiers = []Tier{
	TierNameAndNumber, TierNumber, TierName, TierPreviousName,
	TierLandRegistry, TierNoMatch, TierIneligible,
}

// SlotMatch is the resolution of one proprietor slot.
type SlotMatch struct {
	Tier       Tier    `json:"match_type"`
	Name       string  `json:"matched_name,omitempty"`
	Number     string  `json:"matched_number,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Empty reports whether the slot had no proprietor.
func (s SlotMatch) Empty() bool { return s.Tier == TierNone }

// MatchResult holds the four slot resolutions of one title record.
type MatchResult struct {
	RecordID int64                      `json:"id"`
	Slots    [ProprietorSlots]SlotMatch `json:"slots"`
}

// Validate checks that matched slots carry a name and that unmatched slots
// carry neither name nor number.
func (r *MatchResult) Validate() error {
	for i, s := range r.Slots {
		switch {
		case s.Tier.Matched() && s.Name == "":
			return eris.Errorf("model: record %d slot %d: tier %s without matched name", r.RecordID, i+1, s.Tier)
		case !s.Tier.Matched() && (s.Name != "" || s.Number != ""):
			return eris.Errorf("model: record %d slot %d: tier %q carries a match", r.RecordID, i+1, s.Tier)
		}
	}
	return nil
}
