package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

const maxFailureSamples = 20

// JobStore persists tracker state. The tracker stays authoritative; store
// failures are logged and never block delivery.
type JobStore interface {
	SaveJobs(ctx context.Context, jobs []model.DispatchJob) error
	UpdateJobs(ctx context.Context, jobs []model.DispatchJob) error
	SaveSuppressions(ctx context.Context, s []model.Suppression) error
}

type BlacklistWriter interface {
	Append(ctx context.Context, entry model.BlacklistEntry) error
}

type EventPublisher interface {
	Publish(topic string, payload any) error
}

type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff is base × 2^attempt, capped at BackoffMax.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return p.BackoffMax
	}
	d := p.BackoffBase * time.Duration(1<<attempt)
	if p.BackoffMax > 0 && (d > p.BackoffMax || d <= 0) {
		return p.BackoffMax
	}
	return d
}

type FailureSample struct {
	JobID       int64  `json:"job_id"`
	RecipientID string `json:"recipient_id"`
	Phone       string `json:"phone"`
	Reason      string `json:"reason"`
}

type Summary struct {
	CampaignID string                          `json:"campaign_id"`
	Totals     model.Counters                  `json:"totals"`
	ByStatus   map[model.DeliveryStatus]int    `json:"by_status"`
	Suppressed map[model.SuppressionReason]int `json:"suppressed"`
	Variants   map[string]model.Counters       `json:"variants,omitempty"`
	Failures   []FailureSample                 `json:"failures,omitempty"`
}

type PhaseProgress struct {
	Total    int
	Queued   int
	InFlight int
	Retrying int
	Settled  int
	Terminal int
}

type campaignLedger struct {
	totals       model.Counters
	variants     map[string]*model.Counters
	testing      map[string]*model.Counters
	suppressions []model.Suppression
	failures     []FailureSample
	jobIDs       []int64
}

type TrackerConfig struct {
	Retry       RetryPolicy
	Store       JobStore
	Blacklist   BlacklistWriter
	Events      EventPublisher
	EventsTopic string
	Logger      *zap.Logger
}

// Tracker owns the status of every dispatch job.
type Tracker struct {
	mu         sync.Mutex
	jobs       map[int64]*model.DispatchJob
	byProvider map[string]int64
	inFlight   map[int64]struct{}
	campaigns  map[string]*campaignLedger

	retry       RetryPolicy
	store       JobStore
	blacklist   BlacklistWriter
	events      EventPublisher
	eventsTopic string
	logger      *zap.Logger
	now         func() time.Time
}

func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		jobs:        make(map[int64]*model.DispatchJob),
		byProvider:  make(map[string]int64),
		inFlight:    make(map[int64]struct{}),
		campaigns:   make(map[string]*campaignLedger),
		retry:       cfg.Retry,
		store:       cfg.Store,
		blacklist:   cfg.Blacklist,
		events:      cfg.Events,
		eventsTopic: cfg.EventsTopic,
		logger:      logger.With(zap.String("component", "tracker")),
		now:         time.Now,
	}
}

// change collects side effects produced under the lock.
type change struct {
	jobs    map[int64]model.DispatchJob
	events  []model.JobEvent
	entries []model.BlacklistEntry
}

func newChange() *change {
	return &change{jobs: make(map[int64]model.DispatchJob)}
}

func (t *Tracker) ledger(campaignID string) *campaignLedger {
	l, ok := t.campaigns[campaignID]
	if !ok {
		l = &campaignLedger{
			variants: make(map[string]*model.Counters),
			testing:  make(map[string]*model.Counters),
		}
		t.campaigns[campaignID] = l
	}
	return l
}

func (l *campaignLedger) counters(j *model.DispatchJob) []*model.Counters {
	out := []*model.Counters{&l.totals}
	if j.Variant != "" {
		c, ok := l.variants[j.Variant]
		if !ok {
			c = &model.Counters{}
			l.variants[j.Variant] = c
		}
		out = append(out, c)
		if j.Phase == model.PhaseTesting {
			tc, ok := l.testing[j.Variant]
			if !ok {
				tc = &model.Counters{}
				l.testing[j.Variant] = tc
			}
			out = append(out, tc)
		}
	}
	return out
}

// move applies a transition if the lifecycle allows it. Caller holds mu.
func (t *Tracker) move(j *model.DispatchJob, to model.DeliveryStatus, note string, ch *change) bool {
	if !model.CanTransition(j.State, to) {
		t.logger.Warn("ignoring invalid job transition",
			zap.Int64("job_id", j.ID),
			zap.String("from", string(j.State)),
			zap.String("to", string(to)),
		)
		return false
	}
	from := j.State
	now := t.now()
	j.State = to
	j.LastStatusAt = now
	for _, c := range t.ledger(j.CampaignID).counters(j) {
		c.Record(to)
	}
	metrics.JobTransitions.WithLabelValues(j.Gateway, string(to)).Inc()

	ch.jobs[j.ID] = *j
	ch.events = append(ch.events, model.JobEvent{
		JobID:      j.ID,
		CampaignID: j.CampaignID,
		From:       from,
		To:         to,
		Note:       note,
		At:         now,
	})
	return true
}

func (t *Tracker) addCost(j *model.DispatchJob, cost float64, ch *change) {
	if cost <= 0 {
		return
	}
	j.Cost += cost
	for _, c := range t.ledger(j.CampaignID).counters(j) {
		c.Cost += cost
	}
	metrics.GatewayCost.WithLabelValues(j.Gateway).Add(cost)
	ch.jobs[j.ID] = *j
}

func (t *Tracker) recordFailure(j *model.DispatchJob, reason string) {
	l := t.ledger(j.CampaignID)
	if len(l.failures) < maxFailureSamples {
		l.failures = append(l.failures, FailureSample{JobID: j.ID, RecipientID: j.RecipientID, Phone: j.Phone, Reason: reason})
	}
}

func (t *Tracker) failPermanently(j *model.DispatchJob, reason string, ch *change) {
	j.LastError = reason
	j.ErrorClass = model.ErrorPermanent
	j.NextAttemptAt = nil
	if t.move(j, model.StatusFailedPermanent, reason, ch) {
		t.recordFailure(j, reason)
	}
}

// fail classifies a delivery error. Unknown errors are treated as transient.
// The failed attempt's provider message no longer identifies the job.
func (t *Tracker) fail(j *model.DispatchJob, err error, ch *change) {
	if j.ProviderMessageID != "" {
		delete(t.byProvider, j.ProviderMessageID)
	}
	if appErrors.IsPermanent(err) {
		reason := appErrors.PermanentReason(err)
		t.failPermanently(j, reason, ch)
		if reason == appErrors.ReasonOptedOut {
			ch.entries = append(ch.entries, model.BlacklistEntry{
				Phone:     j.Phone,
				Reason:    model.BlacklistUserRequest,
				Source:    model.SourceSelfOptOut,
				Notes:     "opt-out reported by gateway " + j.Gateway,
				CreatedAt: t.now(),
			})
		}
		return
	}

	j.LastError = err.Error()
	j.ErrorClass = model.ErrorTransient
	if !t.move(j, model.StatusFailed, j.LastError, ch) {
		return
	}
	if j.Attempts >= t.retry.MaxAttempts {
		t.failPermanently(j, appErrors.ReasonMaxAttempts, ch)
		return
	}
	next := t.now().Add(t.retry.Backoff(j.Attempts))
	j.NextAttemptAt = &next
	ch.jobs[j.ID] = *j
}

// commit runs side effects outside the lock.
func (t *Tracker) commit(ctx context.Context, ch *change) {
	if t.store != nil && len(ch.jobs) > 0 {
		jobs := make([]model.DispatchJob, 0, len(ch.jobs))
		for _, j := range ch.jobs {
			jobs = append(jobs, j)
		}
		sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
		if err := t.store.UpdateJobs(ctx, jobs); err != nil {
			t.logger.Error("failed to persist job updates", zap.Int("jobs", len(jobs)), zap.Error(err))
		}
	}
	if t.events != nil {
		for _, ev := range ch.events {
			if err := t.events.Publish(t.eventsTopic, ev); err != nil {
				t.logger.Debug("job event not published", zap.Int64("job_id", ev.JobID), zap.Error(err))
			}
		}
	}
	if t.blacklist != nil {
		for _, e := range ch.entries {
			if err := t.blacklist.Append(ctx, e); err != nil {
				t.logger.Error("failed to blacklist opted-out number", zap.String("phone", e.Phone), zap.Error(err))
				continue
			}
			t.logger.Info("number blacklisted after gateway report", zap.String("phone", e.Phone), zap.String("reason", string(e.Reason)))
		}
	}
}

// Register takes ownership of newly created jobs. They enter Queued.
func (t *Tracker) Register(ctx context.Context, campaignID string, jobs []*model.DispatchJob) error {
	t.mu.Lock()
	l := t.ledger(campaignID)
	saved := make([]model.DispatchJob, 0, len(jobs))
	for _, j := range jobs {
		j.State = model.StatusQueued
		if j.LastStatusAt.IsZero() {
			j.LastStatusAt = t.now()
		}
		t.jobs[j.ID] = j
		l.jobIDs = append(l.jobIDs, j.ID)
		for _, c := range l.counters(j) {
			c.Jobs++
		}
		saved = append(saved, *j)
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveJobs(ctx, saved); err != nil {
			return err
		}
	}
	return nil
}

// RecordSuppressed counts recipients the compliance filter removed.
func (t *Tracker) RecordSuppressed(ctx context.Context, campaignID string, suppressed []model.Suppression) error {
	if len(suppressed) == 0 {
		return nil
	}
	t.mu.Lock()
	l := t.ledger(campaignID)
	l.suppressions = append(l.suppressions, suppressed...)
	l.totals.Suppressed += len(suppressed)
	t.mu.Unlock()

	for _, s := range suppressed {
		metrics.Suppressed.WithLabelValues(string(s.Reason)).Inc()
	}
	if t.store != nil {
		return t.store.SaveSuppressions(ctx, suppressed)
	}
	return nil
}

// Claim reserves the Queued jobs among ids for one submission and returns copies.
func (t *Tracker) Claim(ids []int64) []model.DispatchJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.DispatchJob
	for _, id := range ids {
		j, ok := t.jobs[id]
		if !ok || j.State != model.StatusQueued {
			continue
		}
		if _, busy := t.inFlight[id]; busy {
			continue
		}
		t.inFlight[id] = struct{}{}
		out = append(out, *j)
	}
	return out
}

// Release returns claimed jobs untouched, e.g. after the gateway refused the batch.
func (t *Tracker) Release(ids []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.inFlight, id)
	}
}

// ApplyReceipts records the outcome of a submission. Each receipt counts one attempt.
func (t *Tracker) ApplyReceipts(ctx context.Context, receipts []gateway.Receipt) {
	ch := newChange()

	t.mu.Lock()
	for _, r := range receipts {
		j, ok := t.jobs[r.JobID]
		if !ok {
			t.logger.Warn("receipt for unknown job", zap.Int64("job_id", r.JobID))
			continue
		}
		if _, claimed := t.inFlight[r.JobID]; !claimed {
			t.logger.Warn("receipt for unclaimed job", zap.Int64("job_id", r.JobID))
			continue
		}
		delete(t.inFlight, r.JobID)

		j.Attempts++
		if !t.move(j, model.StatusSubmitted, "", ch) {
			continue
		}
		if r.Err != nil {
			t.fail(j, r.Err, ch)
			continue
		}
		if j.ProviderMessageID != "" && j.ProviderMessageID != r.ProviderMessageID {
			delete(t.byProvider, j.ProviderMessageID)
		}
		j.ProviderMessageID = r.ProviderMessageID
		j.LastError = ""
		j.ErrorClass = ""
		if r.ProviderMessageID != "" {
			t.byProvider[r.ProviderMessageID] = j.ID
		}
		t.addCost(j, r.Cost, ch)
		if r.Status != "" && r.Status != model.StatusSubmitted {
			t.move(j, r.Status, "", ch)
		}
		ch.jobs[j.ID] = *j
	}
	t.mu.Unlock()

	t.commit(ctx, ch)
}

// ApplyStatusUpdates folds delivery reports into job state. Reports that
// would break the lifecycle are logged and dropped.
func (t *Tracker) ApplyStatusUpdates(ctx context.Context, updates []gateway.StatusUpdate) {
	ch := newChange()

	t.mu.Lock()
	for _, u := range updates {
		id, ok := t.byProvider[u.ProviderMessageID]
		if !ok {
			t.logger.Warn("status for unknown provider message", zap.String("provider_message_id", u.ProviderMessageID))
			continue
		}
		j := t.jobs[id]
		if j.ProviderMessageID != u.ProviderMessageID {
			t.logger.Warn("status for superseded attempt",
				zap.Int64("job_id", j.ID),
				zap.String("provider_message_id", u.ProviderMessageID),
			)
			continue
		}
		t.addCost(j, u.Cost, ch)

		switch u.Status {
		case model.StatusFailed, model.StatusFailedPermanent:
			err := u.Err
			if err == nil && u.Status == model.StatusFailedPermanent {
				err = appErrors.NewPermanentDelivery(appErrors.ReasonInvalidDestination)
			} else if err == nil {
				err = appErrors.NewTransientDelivery("failure reported by gateway")
			}
			if j.State == model.StatusSent {
				// accepted by the carrier, then rejected
				t.move(j, model.StatusBounced, err.Error(), ch)
				continue
			}
			if j.State == model.StatusSubmitted {
				t.fail(j, err, ch)
				continue
			}
			t.move(j, u.Status, err.Error(), ch)
		case model.StatusBounced:
			if t.move(j, model.StatusBounced, "", ch) {
				reason, source := model.BlacklistBounced, model.SourceAdministrative
				if appErrors.PermanentReason(u.Err) == appErrors.ReasonOptedOut {
					reason, source = model.BlacklistUserRequest, model.SourceSelfOptOut
				}
				ch.entries = append(ch.entries, model.BlacklistEntry{
					Phone:     j.Phone,
					Reason:    reason,
					Source:    source,
					Notes:     "bounce reported by gateway " + j.Gateway,
					CreatedAt: t.now(),
				})
			}
		default:
			t.move(j, u.Status, "", ch)
		}
	}
	t.mu.Unlock()

	t.commit(ctx, ch)
}

// DueRetries moves Failed jobs whose backoff elapsed back to Queued and returns them.
func (t *Tracker) DueRetries(ctx context.Context, campaignID string, now time.Time) []*model.DispatchJob {
	ch := newChange()

	t.mu.Lock()
	var due []*model.DispatchJob
	for _, id := range t.ledger(campaignID).jobIDs {
		j := t.jobs[id]
		if j.State != model.StatusFailed || j.NextAttemptAt == nil || j.NextAttemptAt.After(now) {
			continue
		}
		j.NextAttemptAt = nil
		if t.move(j, model.StatusQueued, "retry", ch) {
			cp := *j
			due = append(due, &cp)
		}
	}
	t.mu.Unlock()

	t.commit(ctx, ch)
	return due
}

// ExpirePending fails every job of the campaign that has not been handed to
// a gateway. Jobs in flight are left alone.
func (t *Tracker) ExpirePending(ctx context.Context, campaignID, reason string) int {
	ch := newChange()

	t.mu.Lock()
	n := 0
	for _, id := range t.ledger(campaignID).jobIDs {
		j := t.jobs[id]
		if _, busy := t.inFlight[id]; busy {
			continue
		}
		if j.State == model.StatusQueued || j.State == model.StatusFailed {
			t.failPermanently(j, reason, ch)
			n++
		}
	}
	t.mu.Unlock()

	t.commit(ctx, ch)
	return n
}

// Persistent reports whether job state survives in a store.
func (t *Tracker) Persistent() bool {
	return t.store != nil
}

// Forget releases a campaign's jobs once none can change again. It reports
// whether the campaign is gone.
func (t *Tracker) Forget(campaignID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.campaigns[campaignID]
	if !ok {
		return true
	}
	for _, id := range l.jobIDs {
		if !t.jobs[id].State.IsTerminal() {
			return false
		}
	}
	for _, id := range l.jobIDs {
		if pid := t.jobs[id].ProviderMessageID; pid != "" && t.byProvider[pid] == id {
			delete(t.byProvider, pid)
		}
		delete(t.inFlight, id)
		delete(t.jobs, id)
	}
	delete(t.campaigns, campaignID)
	return true
}

// PendingProviderIDs lists messages on a gateway still waiting for a final report.
func (t *Tracker) PendingProviderIDs(gatewayName string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int64
	for pid, id := range t.byProvider {
		j := t.jobs[id]
		if j.Gateway != gatewayName || j.ProviderMessageID != pid {
			continue
		}
		if j.State == model.StatusSubmitted || j.State == model.StatusSent {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.jobs[id].ProviderMessageID
	}
	return out
}

// Progress reports where the jobs of a campaign phase stand. An empty phase covers all.
func (t *Tracker) Progress(campaignID string, phase model.Phase) PhaseProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var p PhaseProgress
	for _, id := range t.ledger(campaignID).jobIDs {
		j := t.jobs[id]
		if phase != "" && j.Phase != phase {
			continue
		}
		p.Total++
		_, busy := t.inFlight[id]
		switch {
		case busy:
			p.InFlight++
		case j.State == model.StatusQueued:
			p.Queued++
		case j.State == model.StatusFailed:
			p.Retrying++
		}
		if j.State.IsSettled() {
			p.Settled++
		}
		if j.State.IsTerminal() {
			p.Terminal++
		}
	}
	return p
}

// NextRetryAt returns the earliest scheduled retry of a campaign.
func (t *Tracker) NextRetryAt(campaignID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		next  time.Time
		found bool
	)
	for _, id := range t.ledger(campaignID).jobIDs {
		j := t.jobs[id]
		if j.State != model.StatusFailed || j.NextAttemptAt == nil {
			continue
		}
		if !found || j.NextAttemptAt.Before(next) {
			next, found = *j.NextAttemptAt, true
		}
	}
	return next, found
}

// VariantOutcomes returns testing-phase evidence: finished jobs as trials, deliveries as successes.
func (t *Tracker) VariantOutcomes(campaignID string) map[string]VariantOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]VariantOutcome)
	for v, c := range t.ledger(campaignID).testing {
		out[v] = VariantOutcome{Trials: c.Finished(), Successes: c.Delivered}
	}
	return out
}

func (t *Tracker) Job(id int64) (model.DispatchJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return model.DispatchJob{}, false
	}
	return *j, true
}

// Jobs returns copies of a campaign's jobs in creation order.
func (t *Tracker) Jobs(campaignID string) []model.DispatchJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.campaigns[campaignID]
	if !ok {
		return nil
	}
	out := make([]model.DispatchJob, 0, len(l.jobIDs))
	for _, id := range l.jobIDs {
		out = append(out, *t.jobs[id])
	}
	return out
}

// Summary reports every job once by current status, plus suppressions and a failure sample.
func (t *Tracker) Summary(campaignID string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.campaigns[campaignID]
	if !ok {
		return Summary{}, false
	}
	s := Summary{
		CampaignID: campaignID,
		Totals:     l.totals,
		ByStatus:   make(map[model.DeliveryStatus]int),
		Suppressed: make(map[model.SuppressionReason]int),
		Variants:   make(map[string]model.Counters),
		Failures:   append([]FailureSample(nil), l.failures...),
	}
	for _, id := range l.jobIDs {
		s.ByStatus[t.jobs[id].State]++
	}
	for _, sup := range l.suppressions {
		s.Suppressed[sup.Reason]++
	}
	if len(l.suppressions) > 0 {
		s.ByStatus[model.StatusSuppressed] = len(l.suppressions)
	}
	for v, c := range l.variants {
		s.Variants[v] = *c
	}
	return s, true
}
