package model

import (
	"strings"
	"time"
)

// PrivateSale is the stored buyer value for a disposal with no observed
// successor.
const PrivateSale = "PRIVATE SALE"

// CounterpartyKind enumerates the forms a buyer or seller can take.
type CounterpartyKind uint8

const (
	CounterpartyNone CounterpartyKind = iota
	CounterpartyOwners
	CounterpartyPrivateSale
)

// Counterparty is the seller or buyer side of an episode.
type Counterparty struct {
	Kind   CounterpartyKind
	Owners OwnerSet
}

// NoCounterparty is the null counterparty.
var NoCounterparty = Counterparty{}

// PrivateSaleCounterparty is the sentinel buyer for inferred disposals.
var PrivateSaleCounterparty = Counterparty{Kind: CounterpartyPrivateSale}

// OwnersCounterparty wraps an observed owner set.
func OwnersCounterparty(s OwnerSet) Counterparty {
	if s.Empty() {
		return NoCounterparty
	}
	return Counterparty{Kind: CounterpartyOwners, Owners: s}
}

// Slots renders the counterparty into four nullable name columns.
func (c Counterparty) Slots() [ProprietorSlots]*string {
	var out [ProprietorSlots]*string
	switch c.Kind {
	case CounterpartyPrivateSale:
		s := PrivateSale
		out[0] = &s
	case CounterpartyOwners:
		for i, n := range c.Owners {
			if n != "" {
				out[i] = &n
			}
		}
	}
	return out
}

// String joins the counterparty names for display.
func (c Counterparty) String() string {
	switch c.Kind {
	case CounterpartyPrivateSale:
		return PrivateSale
	case CounterpartyOwners:
		return strings.Join(c.Owners.Names(), "; ")
	default:
		return ""
	}
}

// EpisodeStatus is Current for the ongoing owner and Previous otherwise.
type EpisodeStatus string

const (
	StatusCurrent  EpisodeStatus = "Current"
	StatusPrevious EpisodeStatus = "Previous"
)

// Episode is one reconstructed ownership interval of a title.
type Episode struct {
	TitleNumber         string
	PropertyAddress     string
	Start               time.Time
	End                 *time.Time
	Owners              OwnerSet
	Seller              Counterparty
	Buyer               Counterparty
	PriceAtAcquisition  *int64
	PriceAtDisposal     *int64
	Status              EpisodeStatus
	DurationDays        *int
	InferredDisposal    bool
	DisposalFromCompany bool
	OwnershipType       string
	Source              string
}

// Consistent reports whether a Previous episode has either an end date or
// an inference reason.
func (e *Episode) Consistent() bool {
	if e.Status != StatusPrevious {
		return true
	}
	return e.End != nil || e.InferredDisposal
}
