package model

import (
	"strings"
	"time"
)

// ProprietorSlots is the fixed number of proprietor positions on a title.
const ProprietorSlots = 4

// Proprietorship categories eligible for Companies House resolution.
const (
	CategoryLimitedCompany = "Limited Company or Public Limited Company"
	CategoryLLP            = "Limited Liability Partnership"
)

// EligibleCategory reports whether a proprietorship category can be
// resolved against the Companies House register.
func EligibleCategory(category string) bool {
	switch strings.TrimSpace(category) {
	case CategoryLimitedCompany, CategoryLLP:
		return true
	default:
		return false
	}
}

// DatasetType distinguishes the two corporate ownership datasets.
type DatasetType string

const (
	DatasetCCOD DatasetType = "CCOD" // UK companies
	DatasetOCOD DatasetType = "OCOD" // overseas companies
)

// UpdateType distinguishes full snapshots from change-only files.
type UpdateType string

const (
	UpdateFull UpdateType = "FULL"
	UpdateCOU  UpdateType = "COU"
)

// Proprietor is one occupied or empty slot on a title record.
type Proprietor struct {
	Name               string    `json:"name,omitempty"`
	RegistrationNumber string    `json:"registration_number,omitempty"`
	Category           string    `json:"category,omitempty"`
	CountryIncorp      string    `json:"country_incorporated,omitempty"`
	Address            [3]string `json:"address,omitempty"`
}

// Occupied reports whether the slot carries a proprietor name.
func (p Proprietor) Occupied() bool {
	return strings.TrimSpace(p.Name) != ""
}

// TitleRecord is one title as published in one monthly snapshot.
type TitleRecord struct {
	ID                   int64                       `json:"id"`
	TitleNumber          string                      `json:"title_number"`
	Tenure               string                      `json:"tenure,omitempty"`
	PropertyAddress      string                      `json:"property_address,omitempty"`
	District             string                      `json:"district,omitempty"`
	County               string                      `json:"county,omitempty"`
	Region               string                      `json:"region,omitempty"`
	Postcode             string                      `json:"postcode,omitempty"`
	MultipleAddress      string                      `json:"multiple_address_indicator,omitempty"`
	AdditionalProprietor string                      `json:"additional_proprietor_indicator,omitempty"`
	PricePaid            *int64                      `json:"price_paid,omitempty"`
	Proprietors          [ProprietorSlots]Proprietor `json:"proprietors"`
	DateProprietorAdded  *time.Time                  `json:"date_proprietor_added,omitempty"`
	ChangeIndicator      string                      `json:"change_indicator,omitempty"`
	ChangeDate           *time.Time                  `json:"change_date,omitempty"`
	DatasetType          DatasetType                 `json:"dataset_type"`
	UpdateType           UpdateType                  `json:"update_type"`
	FileMonth            time.Time                   `json:"file_month"`
	SourceFilename       string                      `json:"source_filename,omitempty"`
}

// Owners returns the ordered proprietor names of the record.
func (r *TitleRecord) Owners() OwnerSet {
	var s OwnerSet
	for i, p := range r.Proprietors {
		s[i] = strings.TrimSpace(p.Name)
	}
	return s
}

// OwnerSet is the ordered tuple of up to four proprietor names.
type OwnerSet [ProprietorSlots]string

// Empty reports whether no slot is populated.
func (s OwnerSet) Empty() bool {
	for _, n := range s {
		if n != "" {
			return false
		}
	}
	return true
}

// Key renders the tuple as a stable string, keeping empty positions so that
// {A, "", B} and {A, B, ""} stay distinct.
func (s OwnerSet) Key() string {
	return strings.Join(s[:], "_")
}

// Names returns the populated names in slot order.
func (s OwnerSet) Names() []string {
	out := make([]string, 0, ProprietorSlots)
	for _, n := range s {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// OwnershipTypeFor maps a dataset type to the ownership type label.
func OwnershipTypeFor(dt DatasetType) string {
	switch dt {
	case DatasetOCOD:
		return "OVERSEAS COMPANY"
	case DatasetCCOD:
		return "UK COMPANY"
	default:
		return "OTHER"
	}
}
