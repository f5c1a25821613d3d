package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

func TestGateReserveSlidingWindow(t *testing.T) {
	g := NewGate(Limits{MaxBatchSize: 5, MaxRatePerWindow: 10, Window: time.Second})
	t0 := time.Unix(1_700_000_000, 0)

	_, ok := g.reserve(t0, 5)
	require.True(t, ok)
	_, ok = g.reserve(t0.Add(400*time.Millisecond), 5)
	require.True(t, ok)

	wait, ok := g.reserve(t0.Add(500*time.Millisecond), 5)
	require.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	// first stamp ages out exactly one window later
	_, ok = g.reserve(t0.Add(time.Second), 5)
	require.True(t, ok)
	assert.Equal(t, 10, g.InWindow(t0.Add(time.Second)))

	wait, ok = g.reserve(t0.Add(1100*time.Millisecond), 3)
	require.False(t, ok)
	assert.Equal(t, 300*time.Millisecond, wait)
}

func TestGateAdmitNeverExceedsWindow(t *testing.T) {
	limits := Limits{MaxBatchSize: 4, MaxRatePerWindow: 8, Window: 200 * time.Millisecond}
	g := NewGate(limits)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Admit(context.Background(), 4))
			assert.LessOrEqual(t, g.InWindow(time.Now()), limits.MaxRatePerWindow)
		}()
	}
	wg.Wait()

	// 24 messages at 8 per window need at least two full windows after the first
	assert.GreaterOrEqual(t, time.Since(start), 2*limits.Window)
}

func TestGateAdmitHonoursCancellation(t *testing.T) {
	g := NewGate(Limits{MaxBatchSize: 2, MaxRatePerWindow: 2, Window: time.Hour})
	require.NoError(t, g.Admit(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Admit(ctx, 1))
}

func TestGateRejectsOversizedBatch(t *testing.T) {
	g := NewGate(Limits{MaxBatchSize: 2, MaxRatePerWindow: 10, Window: time.Second})
	assert.Error(t, g.Admit(context.Background(), 3))
}

func TestSimulatorIdempotentByKey(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Name: "sim", SuccessRate: 1, DeliveryRate: 1, CostPerMessage: 0.5, Seed: 1})
	msg := Message{JobID: 7, IdempotencyKey: IdempotencyKey(7, 1), To: "+254712345678", Body: "hi"}

	first, err := sim.Submit(context.Background(), SubmitBatch{Messages: []Message{msg}})
	require.NoError(t, err)
	second, err := sim.Submit(context.Background(), SubmitBatch{Messages: []Message{msg}})
	require.NoError(t, err)

	assert.Equal(t, first[0].ProviderMessageID, second[0].ProviderMessageID)
	assert.Equal(t, 1, sim.Submissions(7))
	assert.Equal(t, model.StatusSent, first[0].Status)
	assert.InDelta(t, 0.5, first[0].Cost, 1e-9)

	updates, err := sim.Poll(context.Background(), []string{first[0].ProviderMessageID, "unknown"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, model.StatusDelivered, updates[0].Status)

	// reported once
	updates, err = sim.Poll(context.Background(), []string{first[0].ProviderMessageID})
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestSimulatorScriptAndOutage(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Name: "sim"}).WithScript(func(msg Message, attempt int) Outcome {
		if attempt == 1 {
			return Outcome{Err: appErrors.NewTransientDelivery("timeout")}
		}
		return Outcome{}
	})
	sim.FailNext(1)

	batch := SubmitBatch{Messages: []Message{{JobID: 1, IdempotencyKey: IdempotencyKey(1, 1)}}}
	_, err := sim.Submit(context.Background(), batch)
	assert.True(t, appErrors.IsGatewayUnavailable(err))
	assert.Equal(t, 0, sim.Submissions(1))

	receipts, err := sim.Submit(context.Background(), batch)
	require.NoError(t, err)
	assert.Error(t, receipts[0].Err)

	batch.Messages[0].IdempotencyKey = IdempotencyKey(1, 2)
	receipts, err = sim.Submit(context.Background(), batch)
	require.NoError(t, err)
	assert.NoError(t, receipts[0].Err)
	assert.Equal(t, 2, sim.Submissions(1))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewSimulator(SimulatorConfig{Name: "b"}), Limits{MaxBatchSize: 10, MaxRatePerWindow: 5, Window: time.Second}, "ACME")
	r.Register(NewSimulator(SimulatorConfig{Name: "a"}), Limits{MaxBatchSize: 10, MaxRatePerWindow: 50, Window: time.Second}, "ACME")

	e, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 5, e.Limits.BatchCap())
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err = r.Get("missing")
	assert.True(t, appErrors.IsValidation(err))
}
