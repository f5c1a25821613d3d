// internal/model/campaign.go
package model

import "time"

type CampaignState string

const (
	CampaignDraft           CampaignState = "draft"
	CampaignScheduled       CampaignState = "scheduled"
	CampaignRunning         CampaignState = "running"
	CampaignTestingVariants CampaignState = "testing_variants"
	CampaignPromotingWinner CampaignState = "promoting_winner"
	CampaignCompleted       CampaignState = "completed"
	CampaignCancelled       CampaignState = "cancelled"
)

// IsFinal reports whether no further transitions are possible.
func (s CampaignState) IsFinal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

var campaignTransitions = map[CampaignState][]CampaignState{
	CampaignDraft:           {CampaignScheduled, CampaignRunning, CampaignCancelled},
	CampaignScheduled:       {CampaignRunning, CampaignCancelled},
	CampaignRunning:         {CampaignTestingVariants, CampaignCompleted, CampaignCancelled},
	CampaignTestingVariants: {CampaignPromotingWinner, CampaignCompleted, CampaignCancelled},
	CampaignPromotingWinner: {CampaignTestingVariants, CampaignCompleted, CampaignCancelled},
}

// CanMoveTo reports whether the lifecycle allows going from s to next.
func (s CampaignState) CanMoveTo(next CampaignState) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Schedule is either immediate (zero SendAt) or a deferred window.
type Schedule struct {
	SendAt *time.Time `json:"send_at,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

func (s Schedule) Immediate() bool { return s.SendAt == nil }

// StartAt returns the moment the first batch may go out.
func (s Schedule) StartAt(now time.Time) time.Time {
	if s.SendAt == nil || s.SendAt.Before(now) {
		return now
	}
	return *s.SendAt
}

type VariantAllocation struct {
	Variant string  `json:"variant"`
	Ratio   float64 `json:"ratio"`
}

type Campaign struct {
	ID          string              `db:"id" json:"id"`
	Name        string              `db:"name" json:"name"`
	Template    MessageTemplate     `db:"template" json:"template"`
	Audience    AudienceDescriptor  `db:"audience" json:"audience"`
	Schedule    Schedule            `db:"schedule" json:"schedule"`
	Allocations []VariantAllocation `db:"allocations" json:"allocations,omitempty"`
	Gateway     string              `db:"gateway" json:"gateway"`
	State       CampaignState       `db:"state" json:"state"`
	Winner      string              `db:"winner" json:"winner,omitempty"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time          `db:"updated_at" json:"updated_at,omitempty"`
	StartedAt   *time.Time          `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
}

// Testing reports whether the campaign splits traffic across variants.
func (c *Campaign) Testing() bool {
	return len(c.Allocations) > 0
}
