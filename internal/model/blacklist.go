package model

import "time"

type BlacklistReason string

const (
	BlacklistUserRequest BlacklistReason = "user_request"
	BlacklistBounced     BlacklistReason = "bounced"
	BlacklistComplaint   BlacklistReason = "complaint"
	BlacklistAdmin       BlacklistReason = "admin"
)

type BlacklistSource string

const (
	SourceSelfOptOut     BlacklistSource = "self_opt_out"
	SourceAdministrative BlacklistSource = "administrative"
)

type BlacklistEntry struct {
	Phone     string          `db:"phone" json:"phone"`
	Reason    BlacklistReason `db:"reason" json:"reason"`
	Source    BlacklistSource `db:"source" json:"source"`
	Notes     string          `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// PhoneSet is a point-in-time copy of the blacklist keyed by normalized number.
type PhoneSet map[string]struct{}

func (s PhoneSet) Contains(phone string) bool {
	_, ok := s[phone]
	return ok
}
