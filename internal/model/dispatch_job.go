// internal/model/dispatch_job.go
package model

import "time"

type DeliveryStatus string

const (
	StatusQueued          DeliveryStatus = "queued"
	StatusSubmitted       DeliveryStatus = "submitted"
	StatusSent            DeliveryStatus = "sent"
	StatusDelivered       DeliveryStatus = "delivered"
	StatusFailed          DeliveryStatus = "failed"
	StatusFailedPermanent DeliveryStatus = "failed_permanent"
	StatusBounced         DeliveryStatus = "bounced"
	StatusSuppressed      DeliveryStatus = "suppressed"
)

// IsTerminal reports whether the status can never change again.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailedPermanent, StatusBounced, StatusSuppressed:
		return true
	}
	return false
}

// IsSettled is true once the engine has nothing left to do for the job.
// Sent jobs only wait on a delivery report.
func (s DeliveryStatus) IsSettled() bool {
	return s == StatusSent || s.IsTerminal()
}

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusQueued:    {StatusSubmitted, StatusFailedPermanent},
	StatusSubmitted: {StatusSent, StatusFailed, StatusFailedPermanent, StatusDelivered, StatusBounced},
	StatusSent:      {StatusDelivered, StatusBounced},
	StatusFailed:    {StatusQueued, StatusFailedPermanent},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Phase string

const (
	PhaseDirect  Phase = "direct"
	PhaseTesting Phase = "testing"
	PhaseRollout Phase = "rollout"
)

// ErrorClass tells whether the last failure of a job may be retried.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorPermanent ErrorClass = "permanent"
)

type DispatchJob struct {
	ID                int64          `db:"id" json:"id"`
	CampaignID        string         `db:"campaign_id" json:"campaign_id"`
	RecipientID       string         `db:"recipient_id" json:"recipient_id"`
	Phone             string         `db:"phone" json:"phone"`
	Body              string         `db:"body" json:"body"`
	Variant           string         `db:"variant" json:"variant,omitempty"`
	Phase             Phase          `db:"phase" json:"phase"`
	Gateway           string         `db:"gateway" json:"gateway"`
	Seq               int            `db:"seq" json:"seq"`
	State             DeliveryStatus `db:"state" json:"state"`
	Attempts          int            `db:"attempts" json:"attempts"`
	Cost              float64        `db:"cost" json:"cost"`
	ProviderMessageID string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	LastError         string         `db:"last_error" json:"last_error,omitempty"`
	ErrorClass        ErrorClass     `db:"error_class" json:"error_class,omitempty"`
	NextAttemptAt     *time.Time     `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastStatusAt      time.Time      `db:"last_status_at" json:"last_status_at"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// Counters are cumulative. Each field only grows over a campaign's life.
type Counters struct {
	Jobs            int     `json:"jobs"`
	Attempts        int     `json:"attempts"`
	Sent            int     `json:"sent"`
	Delivered       int     `json:"delivered"`
	Failed          int     `json:"failed"`
	FailedPermanent int     `json:"failed_permanent"`
	Bounced         int     `json:"bounced"`
	Suppressed      int     `json:"suppressed"`
	Cost            float64 `json:"cost"`
}

// Record bumps the counter matching a newly entered status.
func (c *Counters) Record(s DeliveryStatus) {
	switch s {
	case StatusSubmitted:
		c.Attempts++
	case StatusSent:
		c.Sent++
	case StatusDelivered:
		c.Delivered++
	case StatusFailed:
		c.Failed++
	case StatusFailedPermanent:
		c.FailedPermanent++
	case StatusBounced:
		c.Bounced++
	case StatusSuppressed:
		c.Suppressed++
	}
}

// Finished counts jobs whose outcome is known for good.
func (c Counters) Finished() int {
	return c.Delivered + c.FailedPermanent + c.Bounced
}

type SuppressionReason string

const (
	SuppressBlacklisted   SuppressionReason = "blacklisted"
	SuppressDuplicate     SuppressionReason = "duplicate"
	SuppressInvalidNumber SuppressionReason = "invalid_number"
)

type Suppression struct {
	CampaignID  string            `db:"campaign_id" json:"campaign_id"`
	RecipientID string            `db:"recipient_id" json:"recipient_id"`
	Phone       string            `db:"phone" json:"phone"`
	Reason      SuppressionReason `db:"reason" json:"reason"`
	Detail      string            `db:"detail" json:"detail,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

type Batch struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Gateway    string    `json:"gateway"`
	Seq        int       `json:"seq"`
	Phase      Phase     `json:"phase"`
	JobIDs     []int64   `json:"job_ids"`
	NotBefore  time.Time `json:"not_before"`
}

// JobEvent is an audit record for one status change.
type JobEvent struct {
	JobID      int64          `json:"job_id"`
	CampaignID string         `json:"campaign_id"`
	From       DeliveryStatus `json:"from"`
	To         DeliveryStatus `json:"to"`
	Note       string         `json:"note,omitempty"`
	At         time.Time      `json:"at"`
}
