package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// BatchJobs packs jobs in the given order into batches no larger than the
// gateway can admit at once. Jobs are never split or reordered. Batches for
// a deferred campaign carry notBefore and are held until then.
func BatchJobs(jobs []*model.DispatchJob, limits gateway.Limits, notBefore time.Time, firstSeq int) []model.Batch {
	size := limits.BatchCap()
	if size < 1 {
		size = 1
	}

	var batches []model.Batch
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		first := jobs[start]
		b := model.Batch{
			ID:         uuid.NewString(),
			CampaignID: first.CampaignID,
			Gateway:    first.Gateway,
			Seq:        firstSeq + len(batches),
			Phase:      first.Phase,
			NotBefore:  notBefore,
			JobIDs:     make([]int64, 0, end-start),
		}
		for _, j := range jobs[start:end] {
			b.JobIDs = append(b.JobIDs, j.ID)
		}
		batches = append(batches, b)
	}
	return batches
}
