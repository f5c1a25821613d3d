// Package phone normalizes raw numbers to E.164.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

type Normalizer struct {
	region string
}

// NewNormalizer resolves the default region for numbers written without a country prefix.
func NewNormalizer(defaultCountryCode int) (*Normalizer, error) {
	region := phonenumbers.GetRegionCodeForCountryCode(defaultCountryCode)
	if region == "" || region == "ZZ" {
		return nil, fmt.Errorf("unknown country calling code %d", defaultCountryCode)
	}
	return &Normalizer{region: region}, nil
}

func (n *Normalizer) Region() string { return n.region }

// Normalize returns the E.164 form of raw or an ErrInvalidNumber.
func (n *Normalizer) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", appErrors.NewInvalidNumber(raw, "empty")
	}
	num, err := phonenumbers.Parse(trimmed, n.region)
	if err != nil {
		return "", appErrors.NewInvalidNumber(raw, err.Error())
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", appErrors.NewInvalidNumber(raw, "not a valid number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
