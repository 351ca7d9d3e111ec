// Package model holds the record types shared by the import, matching and
// history stages.
package model

import "time"

// MaxPreviousNames is the number of historical-name slots Companies House
// publishes per company.
const MaxPreviousNames = 10

// PreviousName is a former registered name and the date it stopped applying.
type PreviousName struct {
	Name string     `json:"name"`
	Date *time.Time `json:"date,omitempty"`
}

// Company is one row of the Companies House register.
type Company struct {
	Number            string         `json:"company_number"`
	Name              string         `json:"company_name"`
	Status            string         `json:"company_status,omitempty"`
	Category          string         `json:"company_category,omitempty"`
	CountryOfOrigin   string         `json:"country_of_origin,omitempty"`
	IncorporationDate *time.Time     `json:"incorporation_date,omitempty"`
	DissolutionDate   *time.Time     `json:"dissolution_date,omitempty"`
	Postcode          string         `json:"reg_address_postcode,omitempty"`
	PreviousNames     []PreviousName `json:"previous_names,omitempty"`
}
