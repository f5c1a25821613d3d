package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

func TestPollerRejectsBadSchedule(t *testing.T) {
	p := NewPoller(NewTracker(TrackerConfig{}), gateway.NewRegistry(), "every now and then", zap.NewNop())
	assert.Error(t, p.Start(context.Background()))
	p.Stop()
}

func TestPollerChunksByBatchSize(t *testing.T) {
	sim := gateway.NewSimulator(gateway.SimulatorConfig{Name: "sim"}).WithScript(deliverAll)
	reg := gateway.NewRegistry()
	reg.Register(sim, gateway.Limits{MaxBatchSize: 2, MaxRatePerWindow: 100, Window: time.Second}, "")

	tr := NewTracker(TrackerConfig{Retry: RetryPolicy{MaxAttempts: 1}})
	jobs := make([]*model.DispatchJob, 5)
	msgs := make([]gateway.Message, 5)
	for i := range jobs {
		jobs[i] = &model.DispatchJob{ID: int64(i + 1), CampaignID: "c", Gateway: "sim", Phase: model.PhaseDirect}
		msgs[i] = gateway.Message{JobID: jobs[i].ID, IdempotencyKey: gateway.IdempotencyKey(jobs[i].ID, 1)}
	}
	require.NoError(t, tr.Register(context.Background(), "c", jobs))
	tr.Claim([]int64{1, 2, 3, 4, 5})
	receipts, err := sim.Submit(context.Background(), gateway.SubmitBatch{Messages: msgs})
	require.NoError(t, err)
	tr.ApplyReceipts(context.Background(), receipts)

	p := NewPoller(tr, reg, "@every 1s", zap.NewNop())
	assert.Equal(t, 5, p.PollOnce(context.Background()))
	assert.Equal(t, 5, tr.Progress("c", "").Terminal)
}

func TestWorkerIgnoresForeignPayload(t *testing.T) {
	w := NewWorker(NewTracker(TrackerConfig{}), gateway.NewRegistry(), time.Second, zap.NewNop())
	assert.NoError(t, w.Process("not a batch"))
}

func TestWorkerDropsBatchOfStoppedRun(t *testing.T) {
	sim := gateway.NewSimulator(gateway.SimulatorConfig{Name: "sim"}).WithScript(deliverAll)
	reg := gateway.NewRegistry()
	reg.Register(sim, gateway.Limits{MaxBatchSize: 10, MaxRatePerWindow: 100, Window: time.Second}, "")
	tr := NewTracker(TrackerConfig{Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, tr.Register(context.Background(), "c", []*model.DispatchJob{{ID: 1, CampaignID: "c", Gateway: "sim"}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got []batchReport
	task := &BatchTask{
		Batch:  model.Batch{ID: "b", CampaignID: "c", Gateway: "sim", JobIDs: []int64{1}},
		ctx:    ctx,
		report: func(r batchReport) { got = append(got, r) },
	}

	w := NewWorker(tr, reg, time.Second, zap.NewNop())
	require.NoError(t, w.Process(task))
	require.Len(t, got, 1)
	assert.Equal(t, batchDropped, got[0].result)
	assert.Zero(t, sim.Batches())
	j, _ := tr.Job(1)
	assert.Equal(t, model.StatusQueued, j.State)
}
