package service

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// JobFactory mints dispatch jobs with time-ordered snowflake IDs.
type JobFactory struct {
	node *snowflake.Node
	now  func() time.Time
}

func NewJobFactory(nodeID int64) (*JobFactory, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &JobFactory{node: node, now: time.Now}, nil
}

func (f *JobFactory) New(c *model.Campaign, r model.Recipient, body, variant string, phase model.Phase, seq int) *model.DispatchJob {
	now := f.now()
	return &model.DispatchJob{
		ID:           f.node.Generate().Int64(),
		CampaignID:   c.ID,
		RecipientID:  r.ID,
		Phone:        r.Phone,
		Body:         body,
		Variant:      variant,
		Phase:        phase,
		Gateway:      c.Gateway,
		Seq:          seq,
		State:        model.StatusQueued,
		LastStatusAt: now,
		CreatedAt:    now,
	}
}
