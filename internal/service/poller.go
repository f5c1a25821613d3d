package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
)

// Poller periodically asks every gateway for delivery reports of messages
// that have not reached a final status.
type Poller struct {
	Tracker  *Tracker
	Gateways *gateway.Registry
	Schedule string
	Logger   *zap.Logger

	cron *cron.Cron
}

func NewPoller(tracker *Tracker, gateways *gateway.Registry, schedule string, logger *zap.Logger) *Poller {
	return &Poller{
		Tracker:  tracker,
		Gateways: gateways,
		Schedule: schedule,
		Logger:   logger.With(zap.String("component", "poller")),
	}
}

// Start schedules PollOnce. Overlapping runs are skipped.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := p.cron.AddFunc(p.Schedule, func() { p.PollOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.Schedule, err)
	}
	p.cron.Start()
	p.Logger.Info("delivery report polling started", zap.String("schedule", p.Schedule))
	return nil
}

// Stop waits for a running poll to return.
func (p *Poller) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// PollOnce fetches reports from every gateway and returns how many were applied.
func (p *Poller) PollOnce(ctx context.Context) int {
	applied := 0
	for _, name := range p.Gateways.Names() {
		entry, err := p.Gateways.Get(name)
		if err != nil {
			continue
		}
		ids := p.Tracker.PendingProviderIDs(name)
		size := entry.Limits.MaxBatchSize
		if size < 1 {
			size = len(ids)
		}
		for start := 0; start < len(ids); start += size {
			if ctx.Err() != nil {
				return applied
			}
			chunk := ids[start:min(start+size, len(ids))]
			updates, err := entry.Gateway.Poll(ctx, chunk)
			if err != nil {
				p.Logger.Warn("delivery report poll failed", zap.String("gateway", name), zap.Error(err))
				break
			}
			p.Tracker.ApplyStatusUpdates(ctx, updates)
			applied += len(updates)
		}
	}
	if applied > 0 {
		p.Logger.Debug("delivery reports applied", zap.Int("updates", applied))
	}
	return applied
}
