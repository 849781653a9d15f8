package types

import (
	"fmt"
	"strings"
)

// Address is the shipping address snapshot stored on an order as jsonb.
type Address struct {
	FullName   string `json:"fullName" validate:"required,max=120"`
	Address    string `json:"address" validate:"required,max=255"`
	City       string `json:"city" validate:"required,max=120"`
	State      string `json:"state" validate:"required,max=120"`
	PostalCode string `json:"postalCode,omitempty" validate:"omitempty,max=20"`
	Country    string `json:"country" validate:"required,max=120"`
	Phone      string `json:"phone" validate:"required,max=40"`
}

// Normalize trims surrounding whitespace from every field.
func (a Address) Normalize() Address {
	return Address{
		FullName:   strings.TrimSpace(a.FullName),
		Address:    strings.TrimSpace(a.Address),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

// Validate reports the first missing required field.
func (a Address) Validate() error {
	a = a.Normalize()
	required := []struct {
		name  string
		value string
	}{
		{"fullName", a.FullName},
		{"address", a.Address},
		{"city", a.City},
		{"state", a.State},
		{"country", a.Country},
		{"phone", a.Phone},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("address: missing %s", field.name)
		}
	}
	return nil
}
