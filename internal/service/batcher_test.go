package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

func makeJobs(n int) []*model.DispatchJob {
	jobs := make([]*model.DispatchJob, n)
	for i := range jobs {
		jobs[i] = &model.DispatchJob{ID: int64(i + 1), CampaignID: "c", Gateway: "sim", Phase: model.PhaseDirect, Seq: i}
	}
	return jobs
}

func TestBatchJobsRespectsSizeAndOrder(t *testing.T) {
	limits := gateway.Limits{MaxBatchSize: 10, MaxRatePerWindow: 100, Window: time.Second}
	batches := BatchJobs(makeJobs(25), limits, time.Time{}, 0)

	require.Len(t, batches, 3)
	var flat []int64
	for i, b := range batches {
		assert.LessOrEqual(t, len(b.JobIDs), 10)
		assert.Equal(t, i, b.Seq)
		assert.Equal(t, "c", b.CampaignID)
		flat = append(flat, b.JobIDs...)
	}
	require.Len(t, flat, 25)
	for i, id := range flat {
		assert.Equal(t, int64(i+1), id)
	}
	assert.Len(t, batches[2].JobIDs, 5)
}

func TestBatchJobsCappedByWindowRate(t *testing.T) {
	limits := gateway.Limits{MaxBatchSize: 100, MaxRatePerWindow: 4, Window: time.Second}
	batches := BatchJobs(makeJobs(9), limits, time.Time{}, 7)

	require.Len(t, batches, 3)
	assert.Equal(t, 7, batches[0].Seq)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.JobIDs), 4)
	}
}

func TestBatchJobsCarriesNotBefore(t *testing.T) {
	at := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	batches := BatchJobs(makeJobs(3), gateway.Limits{MaxBatchSize: 2, MaxRatePerWindow: 10, Window: time.Second}, at, 0)
	for _, b := range batches {
		assert.Equal(t, at, b.NotBefore)
	}
	assert.Empty(t, BatchJobs(nil, gateway.Limits{MaxBatchSize: 2}, at, 0))
}
