package service

import (
	"iter"
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// BlacklistSet answers membership for normalized numbers.
type BlacklistSet interface {
	Contains(phone string) bool
}

type PhoneNormalizer interface {
	Normalize(raw string) (string, error)
}

// ComplianceFilter removes recipients that must not be messaged.
type ComplianceFilter struct {
	Normalizer PhoneNormalizer
	Now        func() time.Time
}

// Filter splits recipients into eligible and suppressed, preserving input order.
// Eligible recipients carry their normalized number. The first occurrence of a
// number wins; every input lands in exactly one of the two results.
func (f *ComplianceFilter) Filter(campaignID string, recipients iter.Seq[model.Recipient], blacklist BlacklistSet) ([]model.Recipient, []model.Suppression) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	var (
		eligible   []model.Recipient
		suppressed []model.Suppression
		seen       = make(map[string]struct{})
	)
	suppress := func(r model.Recipient, phone string, reason model.SuppressionReason, detail string) {
		suppressed = append(suppressed, model.Suppression{
			CampaignID:  campaignID,
			RecipientID: r.ID,
			Phone:       phone,
			Reason:      reason,
			Detail:      detail,
			CreatedAt:   now(),
		})
	}

	for r := range recipients {
		normalized, err := f.Normalizer.Normalize(r.Phone)
		if err != nil {
			suppress(r, r.Phone, model.SuppressInvalidNumber, err.Error())
			continue
		}
		if blacklist.Contains(normalized) {
			suppress(r, normalized, model.SuppressBlacklisted, "")
			continue
		}
		if _, dup := seen[normalized]; dup {
			suppress(r, normalized, model.SuppressDuplicate, "")
			continue
		}
		seen[normalized] = struct{}{}
		r.Phone = normalized
		eligible = append(eligible, r)
	}
	return eligible, suppressed
}
