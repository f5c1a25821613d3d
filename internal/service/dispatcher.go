package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

// CampaignStore receives lifecycle changes made by a run.
type CampaignStore interface {
	UpdateState(ctx context.Context, id string, state model.CampaignState, winner string) error
}

type DispatcherConfig struct {
	// Tick bounds how long a run sleeps between bookkeeping passes.
	Tick           time.Duration
	RequeueDelay   time.Duration
	TestingTimeout time.Duration
	// Retention keeps a finished run in memory for status reads. Zero keeps it for the process lifetime.
	Retention      time.Duration
}

// Plan is everything a run needs. Jobs are already registered with the tracker.
type Plan struct {
	Campaign  model.Campaign
	Allocator *Allocator
	Templates map[string]*Template
	Jobs      []*model.DispatchJob
	Holdout   []model.Recipient
}

type delayedBatch struct {
	batch model.Batch
	due   time.Time
}

type run struct {
	campaign  model.Campaign
	allocator *Allocator
	templates map[string]*Template
	holdout   []model.Recipient
	initial   []model.Batch
	entry     *gateway.Entry

	// ctx ends on Cancel; admitCtx also ends when the send window closes.
	ctx         context.Context
	cancel      context.CancelFunc
	admitCtx    context.Context
	admitCancel context.CancelFunc

	mu      sync.Mutex
	reports []batchReport
	state   model.CampaignState
	notify  chan struct{}
	done    chan struct{}

	// owned by the run goroutine
	outstanding    map[model.Phase]int
	delayed        []delayedBatch
	seq            int
	jobSeq         int
	testingStarted time.Time
}

func (r *run) report(rep batchReport) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *run) drain() []batchReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.reports
	r.reports = nil
	return out
}

func (r *run) pending() int {
	n := len(r.delayed)
	for _, c := range r.outstanding {
		n += c
	}
	return n
}

func (r *run) currentState() model.CampaignState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dispatcher drives campaign runs: it holds deferred batches, feeds the
// worker queue, schedules retries, settles A/B tests and closes campaigns.
type Dispatcher struct {
	queue     queue.Queue
	tracker   *Tracker
	gateways  *gateway.Registry
	campaigns CampaignStore
	jobs      *JobFactory
	cfg       DispatcherConfig
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

func NewDispatcher(q queue.Queue, tracker *Tracker, gateways *gateway.Registry, campaigns CampaignStore, jobs *JobFactory, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     q,
		tracker:   tracker,
		gateways:  gateways,
		campaigns: campaigns,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "dispatcher")),
		now:       time.Now,
		runs:      make(map[string]*run),
	}
}

// Launch starts a run for a campaign in Draft.
func (d *Dispatcher) Launch(p Plan) error {
	entry, err := d.gateways.Get(p.Campaign.Gateway)
	if err != nil {
		return err
	}

	now := d.now()
	startAt := p.Campaign.Schedule.StartAt(now)
	ctx, cancel := context.WithCancel(context.Background())
	admitCtx, admitCancel := context.WithCancel(ctx)
	if until := p.Campaign.Schedule.Until; until != nil {
		admitCtx, admitCancel = context.WithDeadline(ctx, *until)
	}

	r := &run{
		campaign:    p.Campaign,
		allocator:   p.Allocator,
		templates:   p.Templates,
		holdout:     p.Holdout,
		entry:       entry,
		ctx:         ctx,
		cancel:      cancel,
		admitCtx:    admitCtx,
		admitCancel: admitCancel,
		state:       p.Campaign.State,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		outstanding: make(map[model.Phase]int),
		jobSeq:      len(p.Jobs),
	}
	r.initial = BatchJobs(p.Jobs, entry.Limits, startAt, 0)
	r.seq = len(r.initial)

	d.mu.Lock()
	if _, exists := d.runs[p.Campaign.ID]; exists {
		d.mu.Unlock()
		cancel()
		return appErrors.NewInvalidTransition("running", "running")
	}
	d.runs[p.Campaign.ID] = r
	d.wg.Add(1)
	d.mu.Unlock()

	go d.loop(r, startAt)
	return nil
}

// Cancel stops new admissions for a campaign. The run turns Cancelled once
// batches already handed to the gateway have reported.
func (d *Dispatcher) Cancel(id string) error {
	r, ok := d.lookup(id)
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if s := r.currentState(); s.IsFinal() {
		return appErrors.NewInvalidTransition(string(s), string(model.CampaignCancelled))
	}
	r.cancel()
	return nil
}

// State returns the live lifecycle state of a run.
func (d *Dispatcher) State(id string) (model.CampaignState, bool) {
	r, ok := d.lookup(id)
	if !ok {
		return "", false
	}
	return r.currentState(), true
}

// Winner returns the promoted variant, if any.
func (d *Dispatcher) Winner(id string) (string, bool) {
	r, ok := d.lookup(id)
	if !ok {
		return "", false
	}
	w := r.allocator.Winner()
	return w, w != ""
}

// Done is closed when the run has reached a final state.
func (d *Dispatcher) Done(id string) <-chan struct{} {
	r, ok := d.lookup(id)
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.done
}

// Shutdown cancels every run and waits for them to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	for _, r := range d.runs {
		r.cancel()
	}
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) lookup(id string) (*run, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.runs[id]
	return r, ok
}

func (d *Dispatcher) loop(r *run, startAt time.Time) {
	defer d.wg.Done()
	defer close(r.done)
	defer r.admitCancel()

	log := d.logger.With(zap.String("campaign_id", r.campaign.ID))

	if wait := startAt.Sub(d.now()); wait > 0 {
		d.setState(r, model.CampaignScheduled)
		log.Info("campaign scheduled", zap.Time("send_at", startAt))
		timer := time.NewTimer(wait)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			ctx := context.WithoutCancel(r.ctx)
			d.abandonHoldout(ctx, r)
			d.tracker.ExpirePending(ctx, r.campaign.ID, appErrors.ReasonCancelled)
			d.finish(r, model.CampaignCancelled)
			return
		case <-timer.C:
		}
	}

	d.setState(r, model.CampaignRunning)
	if r.allocator.State() == ABTesting {
		d.setState(r, model.CampaignTestingVariants)
		r.testingStarted = d.now()
	}
	for _, b := range r.initial {
		d.enqueue(r, b)
	}
	r.initial = nil

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	stop := r.admitCtx.Done()
	for {
		if d.step(r, stop == nil) {
			return
		}
		select {
		case <-stop:
			stop = nil
			log.Info("campaign stopping", zap.Bool("cancelled", r.ctx.Err() != nil))
		case <-r.notify:
		case <-ticker.C:
		}
	}
}

// step runs one bookkeeping pass and reports whether the run is over.
func (d *Dispatcher) step(r *run, stopping bool) bool {
	ctx := context.WithoutCancel(r.ctx)
	now := d.now()

	for _, rep := range r.drain() {
		r.outstanding[rep.batch.Phase]--
		if rep.result == batchRequeue && !stopping {
			r.delayed = append(r.delayed, delayedBatch{batch: rep.batch, due: now.Add(d.cfg.RequeueDelay)})
		}
	}

	if stopping {
		r.delayed = nil
		for _, c := range r.outstanding {
			if c > 0 {
				return false
			}
		}
		d.abandonHoldout(ctx, r)
		if r.ctx.Err() != nil {
			n := d.tracker.ExpirePending(ctx, r.campaign.ID, appErrors.ReasonCancelled)
			d.logger.Info("campaign cancelled", zap.String("campaign_id", r.campaign.ID), zap.Int("expired_jobs", n))
			d.finish(r, model.CampaignCancelled)
			return true
		}
		n := d.tracker.ExpirePending(ctx, r.campaign.ID, appErrors.ReasonWindowClosed)
		d.logger.Info("send window closed", zap.String("campaign_id", r.campaign.ID), zap.Int("expired_jobs", n))
		d.finish(r, model.CampaignCompleted)
		return true
	}

	var waiting []delayedBatch
	for _, db := range r.delayed {
		if db.due.After(now) {
			waiting = append(waiting, db)
			continue
		}
		d.enqueue(r, db.batch)
	}
	r.delayed = waiting

	if due := d.tracker.DueRetries(ctx, r.campaign.ID, now); len(due) > 0 {
		byPhase := make(map[model.Phase][]*model.DispatchJob)
		var order []model.Phase
		for _, j := range due {
			if _, ok := byPhase[j.Phase]; !ok {
				order = append(order, j.Phase)
			}
			byPhase[j.Phase] = append(byPhase[j.Phase], j)
		}
		for _, phase := range order {
			d.enqueueJobs(r, byPhase[phase], now)
		}
	}

	if r.allocator.State() == ABTesting && r.outstanding[model.PhaseTesting] == 0 && !r.hasDelayed(model.PhaseTesting) {
		d.evaluate(r, now)
	}

	if r.allocator.State() == ABTesting || len(r.holdout) > 0 || r.pending() > 0 {
		return false
	}
	p := d.tracker.Progress(r.campaign.ID, "")
	if p.Queued > 0 || p.InFlight > 0 || p.Retrying > 0 || p.Settled < p.Total {
		return false
	}
	d.finish(r, model.CampaignCompleted)
	return true
}

func (r *run) hasDelayed(phase model.Phase) bool {
	for _, db := range r.delayed {
		if db.batch.Phase == phase {
			return true
		}
	}
	return false
}

// evaluate runs once every testing batch has reported.
func (d *Dispatcher) evaluate(r *run, now time.Time) {
	p := d.tracker.Progress(r.campaign.ID, model.PhaseTesting)
	if p.Queued > 0 || p.InFlight > 0 {
		return
	}
	timedOut := d.cfg.TestingTimeout > 0 && now.Sub(r.testingStarted) >= d.cfg.TestingTimeout
	final := p.Terminal == p.Total || timedOut

	decision, ok := r.allocator.Evaluate(d.tracker.VariantOutcomes(r.campaign.ID), final)
	switch {
	case ok:
		outcome := "significant"
		if !decision.Significant {
			outcome = "tie_break"
		}
		metrics.WinnersSelected.WithLabelValues(outcome).Inc()
		d.logger.Info("variant winner selected",
			zap.String("campaign_id", r.campaign.ID),
			zap.String("winner", decision.Winner),
			zap.Bool("significant", decision.Significant),
		)
	case final:
		r.allocator.Conclude()
		metrics.WinnersSelected.WithLabelValues("inconclusive").Inc()
		d.logger.Info("variant test inconclusive, rolling out base template", zap.String("campaign_id", r.campaign.ID))
	default:
		return
	}
	d.promote(r, now)
}

// promote renders held-out recipients with the rollout variant and queues them.
func (d *Dispatcher) promote(r *run, now time.Time) {
	d.setState(r, model.CampaignPromotingWinner)

	ids := make([]string, len(r.holdout))
	for i, rec := range r.holdout {
		ids[i] = rec.ID
	}
	variant, err := r.allocator.PromoteHoldout(ids)
	if err != nil {
		d.logger.Error("failed to promote holdout", zap.String("campaign_id", r.campaign.ID), zap.Error(err))
		return
	}
	r.campaign.Winner = variant
	d.persist(r, model.CampaignPromotingWinner)

	tpl := r.templates[variant]
	jobs := make([]*model.DispatchJob, 0, len(r.holdout))
	missing := 0
	for _, rec := range r.holdout {
		body, warnings := tpl.Render(rec)
		missing += len(warnings)
		jobs = append(jobs, d.jobs.New(&r.campaign, rec, body, variant, model.PhaseRollout, r.jobSeq))
		r.jobSeq++
	}
	r.holdout = nil
	if len(jobs) == 0 {
		return
	}
	if missing > 0 {
		d.logger.Warn("rollout rendered with missing fields", zap.String("campaign_id", r.campaign.ID), zap.Int("missing", missing))
	}

	if err := d.tracker.Register(context.WithoutCancel(r.ctx), r.campaign.ID, jobs); err != nil {
		d.logger.Error("failed to persist rollout jobs", zap.String("campaign_id", r.campaign.ID), zap.Error(err))
	}
	r.allocator.MarkPromoted()
	d.enqueueJobs(r, jobs, now)
	d.logger.Info("rollout queued", zap.String("campaign_id", r.campaign.ID), zap.String("variant", variant), zap.Int("jobs", len(jobs)))
}

// abandonHoldout gives recipients still waiting for a rollout a job of their
// own, so the expiry that ends a stopped run accounts for them.
func (d *Dispatcher) abandonHoldout(ctx context.Context, r *run) {
	if len(r.holdout) == 0 {
		return
	}
	tpl := r.templates[""]
	jobs := make([]*model.DispatchJob, 0, len(r.holdout))
	for _, rec := range r.holdout {
		body, _ := tpl.Render(rec)
		jobs = append(jobs, d.jobs.New(&r.campaign, rec, body, "", model.PhaseRollout, r.jobSeq))
		r.jobSeq++
	}
	r.holdout = nil
	if err := d.tracker.Register(ctx, r.campaign.ID, jobs); err != nil {
		d.logger.Error("failed to persist abandoned holdout", zap.String("campaign_id", r.campaign.ID), zap.Error(err))
	}
	d.logger.Info("holdout not rolled out", zap.String("campaign_id", r.campaign.ID), zap.Int("recipients", len(jobs)))
}

func (d *Dispatcher) enqueueJobs(r *run, jobs []*model.DispatchJob, now time.Time) {
	batches := BatchJobs(jobs, r.entry.Limits, now, r.seq)
	r.seq += len(batches)
	for _, b := range batches {
		d.enqueue(r, b)
	}
}

func (d *Dispatcher) enqueue(r *run, b model.Batch) {
	task := &BatchTask{Batch: b, ctx: r.admitCtx, report: r.report}
	if err := d.queue.Publish(BatchTopic, task); err != nil {
		d.logger.Error("failed to enqueue batch", zap.String("campaign_id", b.CampaignID), zap.String("batch_id", b.ID), zap.Error(err))
		r.delayed = append(r.delayed, delayedBatch{batch: b, due: d.now().Add(d.cfg.RequeueDelay)})
		return
	}
	r.outstanding[b.Phase]++
}

func (d *Dispatcher) setState(r *run, s model.CampaignState) {
	r.mu.Lock()
	if r.state == s || !r.state.CanMoveTo(s) {
		from := r.state
		r.mu.Unlock()
		if from != s {
			d.logger.Warn("ignoring invalid campaign transition",
				zap.String("campaign_id", r.campaign.ID),
				zap.String("from", string(from)),
				zap.String("to", string(s)),
			)
		}
		return
	}
	r.state = s
	r.mu.Unlock()
	d.persist(r, s)
}

func (d *Dispatcher) persist(r *run, s model.CampaignState) {
	if d.campaigns == nil {
		return
	}
	if err := d.campaigns.UpdateState(context.WithoutCancel(r.ctx), r.campaign.ID, s, r.campaign.Winner); err != nil {
		d.logger.Error("failed to persist campaign state",
			zap.String("campaign_id", r.campaign.ID),
			zap.String("state", string(s)),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) finish(r *run, s model.CampaignState) {
	d.setState(r, s)
	metrics.CampaignsFinished.WithLabelValues(string(s)).Inc()
	summary, _ := d.tracker.Summary(r.campaign.ID)
	d.logger.Info("campaign finished",
		zap.String("campaign_id", r.campaign.ID),
		zap.String("state", string(s)),
		zap.Int("jobs", summary.Totals.Jobs),
		zap.Int("delivered", summary.Totals.Delivered),
		zap.Int("failed_permanent", summary.Totals.FailedPermanent),
		zap.Float64("cost", summary.Totals.Cost),
	)
	if d.cfg.Retention > 0 {
		time.AfterFunc(d.cfg.Retention, func() { d.evict(r.campaign.ID) })
	}
}

// evict drops a finished run. Tracker state goes too once every job is
// terminal and persisted; otherwise eviction is retried after another period.
func (d *Dispatcher) evict(id string) {
	d.mu.Lock()
	delete(d.runs, id)
	d.mu.Unlock()

	if !d.tracker.Persistent() {
		return
	}
	if !d.tracker.Forget(id) {
		time.AfterFunc(d.cfg.Retention, func() { d.evict(id) })
		return
	}
	d.logger.Debug("finished campaign evicted", zap.String("campaign_id", id))
}
