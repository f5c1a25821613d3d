// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// JobStats reads persisted job counts for campaigns no longer held in memory.
type JobStats interface {
	StatusCounts(ctx context.Context, campaignID string) (map[string]int, error)
}

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	Blacklist      repository.BlacklistStore
	JobStats       JobStats
	Segmenter      *Segmenter
	Filter         *ComplianceFilter
	Tracker        *Tracker
	Dispatcher     *Dispatcher
	Gateways       *gateway.Registry
	Jobs           *JobFactory
	AB             ABConfig
	DefaultGateway string
	Logger         *zap.Logger
	Now            func() time.Time
}

type StartCampaignRequest struct {
	Name        string
	Template    model.MessageTemplate
	Audience    model.AudienceDescriptor
	Schedule    model.Schedule
	Allocations []model.VariantAllocation
	Gateway     string
}

type CampaignDetails struct {
	Campaign *model.Campaign `json:"campaign"`
	Summary  *Summary        `json:"summary,omitempty"`
	Stats    map[string]int  `json:"stats,omitempty"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// parseTemplates validates the base body and every variant body.
func parseTemplates(tpl model.MessageTemplate) (map[string]*Template, error) {
	if strings.TrimSpace(tpl.Body) == "" {
		return nil, appErrors.NewValidation(appErrors.KindInvalidRequest, "template cannot be empty", nil)
	}
	out := make(map[string]*Template, len(tpl.Variants)+1)
	base, err := ParseTemplate(tpl.Body)
	if err != nil {
		return nil, appErrors.NewValidation(appErrors.KindTemplateSyntax, "base template", err)
	}
	out[""] = base
	for _, v := range tpl.Variants {
		if v.Name == "" {
			return nil, appErrors.NewValidation(appErrors.KindInvalidRequest, "variant name cannot be empty", nil)
		}
		if _, dup := out[v.Name]; dup {
			return nil, appErrors.NewValidation(appErrors.KindInvalidRequest, fmt.Sprintf("variant %q defined twice", v.Name), nil)
		}
		t, err := ParseTemplate(v.Body)
		if err != nil {
			return nil, appErrors.NewValidation(appErrors.KindTemplateSyntax, fmt.Sprintf("variant %q", v.Name), err)
		}
		out[v.Name] = t
	}
	return out, nil
}

func (s *CampaignService) validateSchedule(sch model.Schedule) error {
	if sch.Until == nil {
		return nil
	}
	start := sch.StartAt(s.now())
	if !sch.Until.After(start) {
		return appErrors.NewValidation(appErrors.KindInvalidRequest, "send window closes before it opens", nil)
	}
	return nil
}

// StartCampaign validates a request, resolves and filters its audience,
// renders a job per eligible recipient and hands the campaign to the
// dispatcher. It returns once jobs are queued; delivery is asynchronous.
func (s *CampaignService) StartCampaign(ctx context.Context, req StartCampaignRequest) (string, error) {
	gw := req.Gateway
	if gw == "" {
		gw = s.DefaultGateway
	}
	if _, err := s.Gateways.Get(gw); err != nil {
		return "", err
	}
	templates, err := parseTemplates(req.Template)
	if err != nil {
		return "", err
	}
	if err := ValidateAllocations(req.Allocations, req.Template); err != nil {
		return "", err
	}
	if err := s.validateSchedule(req.Schedule); err != nil {
		return "", err
	}

	audience, err := s.Segmenter.Resolve(ctx, req.Audience)
	if err != nil {
		return "", err
	}
	snapshot, err := s.Blacklist.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("load blacklist: %w", err)
	}

	c := &model.Campaign{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Template:    req.Template,
		Audience:    req.Audience,
		Schedule:    req.Schedule,
		Allocations: req.Allocations,
		Gateway:     gw,
		State:       model.CampaignDraft,
		CreatedAt:   s.now(),
	}
	log := s.log().With(zap.String("campaign_id", c.ID))

	eligible, suppressed := s.Filter.Filter(c.ID, audience.All(), snapshot)

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return "", fmt.Errorf("save campaign: %w", err)
	}

	allocator := NewAllocator(c.ID, req.Allocations, s.AB)
	phase := model.PhaseDirect
	if c.Testing() {
		phase = model.PhaseTesting
	}

	var (
		jobs    []*model.DispatchJob
		holdout []model.Recipient
		missing int
	)
	for _, r := range eligible {
		variant, held := allocator.Assign(r.ID)
		if held {
			holdout = append(holdout, r)
			continue
		}
		body, warnings := templates[variant].Render(r)
		for _, w := range warnings {
			log.Debug("missing template field", zap.String("recipient_id", w.RecipientID), zap.String("field", w.Path))
		}
		missing += len(warnings)
		jobs = append(jobs, s.Jobs.New(c, r, body, variant, phase, len(jobs)))
	}
	if missing > 0 {
		log.Warn("rendered with missing fields", zap.Int("missing", missing))
	}

	if err := s.Tracker.RecordSuppressed(ctx, c.ID, suppressed); err != nil {
		log.Error("failed to persist suppressions", zap.Error(err))
	}
	if err := s.Tracker.Register(ctx, c.ID, jobs); err != nil {
		return "", fmt.Errorf("save jobs: %w", err)
	}

	if err := s.Dispatcher.Launch(Plan{
		Campaign:  *c,
		Allocator: allocator,
		Templates: templates,
		Jobs:      jobs,
		Holdout:   holdout,
	}); err != nil {
		return "", err
	}

	metrics.CampaignsStarted.WithLabelValues(gw).Inc()
	log.Info("campaign started",
		zap.String("name", c.Name),
		zap.String("gateway", gw),
		zap.Int("jobs", len(jobs)),
		zap.Int("holdout", len(holdout)),
		zap.Int("suppressed", len(suppressed)),
	)
	return c.ID, nil
}

// CancelCampaign stops admitting batches. Jobs not yet handed to the gateway
// end as failed_permanent once in-flight batches report.
func (s *CampaignService) CancelCampaign(ctx context.Context, id string) error {
	if err := s.Dispatcher.Cancel(id); err != nil {
		if appErrors.IsNotFound(err) {
			if _, gerr := s.CampaignRepo.GetByID(ctx, id); gerr != nil {
				return gerr
			}
			return appErrors.NewInvalidTransition("inactive", string(model.CampaignCancelled))
		}
		return err
	}
	s.log().Info("campaign cancellation requested", zap.String("campaign_id", id))
	return nil
}

// GetCampaign returns the stored campaign with its live state.
func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if state, ok := s.Dispatcher.State(id); ok {
		c.State = state
	}
	if w, ok := s.Dispatcher.Winner(id); ok {
		c.Winner = w
	}
	return c, nil
}

// GetCampaignDetails combines the campaign with its delivery summary.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id string) (*CampaignDetails, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	details := &CampaignDetails{Campaign: c}
	if sum, ok := s.Tracker.Summary(id); ok {
		details.Summary = &sum
		return details, nil
	}
	if s.JobStats != nil {
		stats, err := s.JobStats.StatusCounts(ctx, id)
		if err != nil {
			return nil, err
		}
		details.Stats = stats
	}
	return details, nil
}

// Summary reports delivery counters for a campaign.
func (s *CampaignService) Summary(ctx context.Context, id string) (Summary, error) {
	if sum, ok := s.Tracker.Summary(id); ok {
		return sum, nil
	}
	if _, err := s.CampaignRepo.GetByID(ctx, id); err != nil {
		return Summary{}, err
	}
	sum := Summary{
		CampaignID: id,
		ByStatus:   map[model.DeliveryStatus]int{},
		Suppressed: map[model.SuppressionReason]int{},
	}
	if s.JobStats != nil {
		stats, err := s.JobStats.StatusCounts(ctx, id)
		if err != nil {
			return Summary{}, err
		}
		for status, n := range stats {
			sum.ByStatus[model.DeliveryStatus(status)] = n
			sum.Totals.Jobs += n
		}
	}
	return sum, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, state string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, state)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
		if live, ok := s.Dispatcher.State(c.ID); ok {
			campaigns[i].State = live
		}
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// RenderPreview renders a template for one recipient without sending anything.
func (s *CampaignService) RenderPreview(body string, r model.Recipient) (string, []MissingField, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil, appErrors.NewValidation(appErrors.KindInvalidRequest, "template cannot be empty", nil)
	}
	text, warnings, err := RenderTemplate(body, r)
	if err != nil {
		return "", nil, appErrors.NewValidation(appErrors.KindTemplateSyntax, "template", err)
	}
	return text, warnings, nil
}

// AddToBlacklist normalizes phone and records it. Campaigns already started
// keep the blacklist they snapshotted.
func (s *CampaignService) AddToBlacklist(ctx context.Context, phone string, reason model.BlacklistReason, source model.BlacklistSource, notes string) (model.BlacklistEntry, error) {
	normalized, err := s.Filter.Normalizer.Normalize(phone)
	if err != nil {
		return model.BlacklistEntry{}, appErrors.NewValidation(appErrors.KindInvalidRequest, "phone", err)
	}
	if source == "" {
		source = model.SourceAdministrative
		if reason == model.BlacklistUserRequest {
			source = model.SourceSelfOptOut
		}
	}
	entry := model.BlacklistEntry{
		Phone:     normalized,
		Reason:    reason,
		Source:    source,
		Notes:     notes,
		CreatedAt: s.now(),
	}
	if err := s.Blacklist.Append(ctx, entry); err != nil {
		return model.BlacklistEntry{}, err
	}
	s.log().Info("number blacklisted", zap.String("phone", normalized), zap.String("reason", string(reason)))
	return entry, nil
}

// RemoveFromBlacklist opts a number back in. It reports whether the number was listed.
func (s *CampaignService) RemoveFromBlacklist(ctx context.Context, phone string) (bool, error) {
	normalized, err := s.Filter.Normalizer.Normalize(phone)
	if err != nil {
		return false, appErrors.NewValidation(appErrors.KindInvalidRequest, "phone", err)
	}
	removed, err := s.Blacklist.Remove(ctx, normalized)
	if err != nil {
		return false, err
	}
	if removed {
		s.log().Info("number removed from blacklist", zap.String("phone", normalized))
	}
	return removed, nil
}

func (s *CampaignService) ListBlacklist(ctx context.Context) ([]model.BlacklistEntry, error) {
	return s.Blacklist.List(ctx)
}
