package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// Outcome scripts how the simulator treats one submission.
type Outcome struct {
	// Err rejects the message at submit time.
	Err error
	// Final is reported by the next Poll. Defaults to delivered.
	Final model.DeliveryStatus
}

// Script decides the outcome of the attempt-th distinct submission of a message.
type Script func(msg Message, attempt int) Outcome

type SimulatorConfig struct {
	Name           string
	SuccessRate    float64
	DeliveryRate   float64
	CostPerMessage float64
	Latency        time.Duration
	Seed           int64
}

// Simulator is an in-process vendor used for sandbox sends and tests.
// Replayed idempotency keys return the original receipt without a new send.
type Simulator struct {
	mu          sync.Mutex
	cfg         SimulatorConfig
	rng         *rand.Rand
	script      Script
	receipts    map[string]Receipt
	attempts    map[int64]int
	pending     map[string]model.DeliveryStatus
	unavailable int
	seq         int
	batches     int
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Name == "" {
		cfg.Name = "simulator"
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		receipts: make(map[string]Receipt),
		attempts: make(map[int64]int),
		pending:  make(map[string]model.DeliveryStatus),
	}
}

func (s *Simulator) Name() string { return s.cfg.Name }

// WithScript replaces the random outcome model.
func (s *Simulator) WithScript(script Script) *Simulator {
	s.mu.Lock()
	s.script = script
	s.mu.Unlock()
	return s
}

// FailNext makes the next n Submit calls fail as a whole.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.unavailable += n
	s.mu.Unlock()
}

func (s *Simulator) Submit(ctx context.Context, batch SubmitBatch) ([]Receipt, error) {
	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-ctx.Done():
			return nil, appErrors.NewGatewayUnavailable(s.cfg.Name, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable > 0 {
		s.unavailable--
		return nil, appErrors.NewGatewayUnavailable(s.cfg.Name, fmt.Errorf("simulated outage"))
	}
	s.batches++

	receipts := make([]Receipt, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		if r, ok := s.receipts[msg.IdempotencyKey]; ok {
			receipts = append(receipts, r)
			continue
		}
		s.attempts[msg.JobID]++
		out := s.outcome(msg, s.attempts[msg.JobID])

		r := Receipt{JobID: msg.JobID}
		if out.Err != nil {
			r.Err = out.Err
		} else {
			s.seq++
			r.ProviderMessageID = fmt.Sprintf("%s-%d", s.cfg.Name, s.seq)
			r.Status = model.StatusSent
			r.Cost = s.cfg.CostPerMessage
			final := out.Final
			if final == "" {
				final = model.StatusDelivered
			}
			s.pending[r.ProviderMessageID] = final
		}
		s.receipts[msg.IdempotencyKey] = r
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func (s *Simulator) outcome(msg Message, attempt int) Outcome {
	if s.script != nil {
		return s.script(msg, attempt)
	}
	if s.rng.Float64() >= s.cfg.SuccessRate {
		return Outcome{Err: appErrors.NewTransientDelivery("simulated network error")}
	}
	if s.rng.Float64() >= s.cfg.DeliveryRate {
		return Outcome{Final: model.StatusBounced}
	}
	return Outcome{Final: model.StatusDelivered}
}

func (s *Simulator) Poll(ctx context.Context, providerIDs []string) ([]StatusUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, appErrors.NewGatewayUnavailable(s.cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	updates := make([]StatusUpdate, 0, len(providerIDs))
	for _, id := range providerIDs {
		final, ok := s.pending[id]
		if !ok {
			continue
		}
		delete(s.pending, id)
		updates = append(updates, StatusUpdate{ProviderMessageID: id, Status: final, At: now})
	}
	return updates, nil
}

// Submissions returns how many distinct attempts of a job reached the simulator.
func (s *Simulator) Submissions(jobID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[jobID]
}

// Batches returns how many Submit calls were accepted.
func (s *Simulator) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}
