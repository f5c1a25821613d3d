package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// BatchTopic carries *BatchTask payloads on the in-process queue.
const BatchTopic = "dispatch.batches"

type batchResult int

const (
	batchReported batchResult = iota
	batchEmpty
	batchDropped
	batchRequeue
)

type batchReport struct {
	batch  model.Batch
	result batchResult
}

// BatchTask is one batch of a campaign run waiting for a worker.
type BatchTask struct {
	Batch  model.Batch
	ctx    context.Context
	report func(batchReport)
}

// Worker submits batches to their gateway and records receipts.
type Worker struct {
	Tracker       *Tracker
	Gateways      *gateway.Registry
	SubmitTimeout time.Duration
	Logger        *zap.Logger
}

func NewWorker(tracker *Tracker, gateways *gateway.Registry, submitTimeout time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		Tracker:       tracker,
		Gateways:      gateways,
		SubmitTimeout: submitTimeout,
		Logger:        logger.With(zap.String("component", "worker")),
	}
}

// Process is the queue handler. A returned error means the gateway refused
// the whole batch; the queue retries it.
func (w *Worker) Process(payload any) error {
	task, ok := payload.(*BatchTask)
	if !ok {
		w.Logger.Warn("invalid payload type, expected *BatchTask")
		return nil
	}
	b := task.Batch
	log := w.Logger.With(zap.String("campaign_id", b.CampaignID), zap.String("batch_id", b.ID), zap.Int("seq", b.Seq))

	if wait := time.Until(b.NotBefore); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-task.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	if task.ctx.Err() != nil {
		metrics.BatchesSubmitted.WithLabelValues(b.Gateway, "dropped").Inc()
		task.report(batchReport{batch: b, result: batchDropped})
		return nil
	}

	entry, err := w.Gateways.Get(b.Gateway)
	if err != nil {
		log.Error("batch references unknown gateway", zap.Error(err))
		task.report(batchReport{batch: b, result: batchDropped})
		return nil
	}

	jobs := w.Tracker.Claim(b.JobIDs)
	if len(jobs) == 0 {
		task.report(batchReport{batch: b, result: batchEmpty})
		return nil
	}
	claimed := make([]int64, len(jobs))
	for i, j := range jobs {
		claimed[i] = j.ID
	}

	started := time.Now()
	if err := entry.Gate.Admit(task.ctx, len(jobs)); err != nil {
		w.Tracker.Release(claimed)
		metrics.BatchesSubmitted.WithLabelValues(b.Gateway, "dropped").Inc()
		log.Info("batch not admitted", zap.Error(err))
		task.report(batchReport{batch: b, result: batchDropped})
		return nil
	}
	metrics.AdmissionWait.WithLabelValues(b.Gateway).Observe(time.Since(started).Seconds())

	msgs := make([]gateway.Message, len(jobs))
	for i, j := range jobs {
		msgs[i] = gateway.Message{
			JobID:          j.ID,
			IdempotencyKey: gateway.IdempotencyKey(j.ID, j.Attempts+1),
			To:             j.Phone,
			Body:           j.Body,
			SenderID:       entry.SenderID,
		}
	}

	// Admitted batches finish even if the run is cancelled meanwhile.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(task.ctx), w.SubmitTimeout)
	defer cancel()

	started = time.Now()
	receipts, err := entry.Gateway.Submit(submitCtx, gateway.SubmitBatch{
		BatchID:    b.ID,
		CampaignID: b.CampaignID,
		Messages:   msgs,
	})
	metrics.SubmitDuration.WithLabelValues(b.Gateway).Observe(time.Since(started).Seconds())
	if err != nil {
		w.Tracker.Release(claimed)
		metrics.BatchesSubmitted.WithLabelValues(b.Gateway, "unavailable").Inc()
		if !appErrors.IsGatewayUnavailable(err) {
			err = appErrors.NewGatewayUnavailable(b.Gateway, err)
		}
		log.Warn("gateway rejected batch", zap.Error(err))
		return err
	}

	answered := make(map[int64]bool, len(receipts))
	for _, r := range receipts {
		answered[r.JobID] = true
	}
	var unanswered []int64
	for _, id := range claimed {
		if !answered[id] {
			unanswered = append(unanswered, id)
		}
	}
	if len(unanswered) > 0 {
		log.Warn("gateway returned no receipt for some jobs", zap.Int("jobs", len(unanswered)))
		w.Tracker.Release(unanswered)
	}

	w.Tracker.ApplyReceipts(submitCtx, receipts)
	metrics.BatchesSubmitted.WithLabelValues(b.Gateway, "ok").Inc()
	log.Debug("batch submitted", zap.Int("jobs", len(jobs)))
	task.report(batchReport{batch: b, result: batchReported})
	return nil
}

// RequeueDeadBatch is the queue's dead-letter hook. The owning run requeues
// the batch after a delay; its jobs are untouched.
func RequeueDeadBatch(_ string, payload any, _ error) {
	if task, ok := payload.(*BatchTask); ok {
		task.report(batchReport{batch: task.Batch, result: batchRequeue})
	}
}
