package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MemoryBlacklist is a process-local BlacklistStore.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]model.BlacklistEntry
}

func NewMemoryBlacklist(entries ...model.BlacklistEntry) *MemoryBlacklist {
	b := &MemoryBlacklist{entries: make(map[string]model.BlacklistEntry)}
	for _, e := range entries {
		_ = b.Append(context.Background(), e)
	}
	return b
}

func (b *MemoryBlacklist) Append(_ context.Context, e model.BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[e.Phone]; ok {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	b.entries[e.Phone] = e
	return nil
}

func (b *MemoryBlacklist) Remove(_ context.Context, phone string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[phone]
	delete(b.entries, phone)
	return ok, nil
}

func (b *MemoryBlacklist) Snapshot(context.Context) (model.PhoneSet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := make(model.PhoneSet, len(b.entries))
	for p := range b.entries {
		set[p] = struct{}{}
	}
	return set, nil
}

func (b *MemoryBlacklist) List(context.Context) ([]model.BlacklistEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Phone < out[j].Phone
	})
	return out, nil
}

// MemoryDirectory serves a fixed recipient list.
type MemoryDirectory struct {
	mu         sync.RWMutex
	recipients []model.Recipient
}

func NewMemoryDirectory(recipients ...model.Recipient) *MemoryDirectory {
	return &MemoryDirectory{recipients: recipients}
}

func (d *MemoryDirectory) Add(recipients ...model.Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients = append(d.recipients, recipients...)
}

// Lookup returns the members of group in insertion order. An empty group means everyone.
func (d *MemoryDirectory) Lookup(_ context.Context, group string) ([]model.Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.Recipient
	for _, r := range d.recipients {
		if group == "" || r.InGroup(group) {
			out = append(out, r)
		}
	}
	return out, nil
}

// MemoryCampaignRepository is a process-local CampaignRepositoryInterface.
type MemoryCampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[string]*model.Campaign
	order     []string
	now       func() time.Time
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{
		campaigns: make(map[string]*model.Campaign),
		now:       time.Now,
	}
}

func (r *MemoryCampaignRepository) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.State == "" {
		c.State = model.CampaignDraft
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	r.order = append(r.order, c.ID)
	return nil
}

func (r *MemoryCampaignRepository) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCampaignRepository) UpdateState(_ context.Context, id string, state model.CampaignState, winner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	now := r.now()
	c.State = state
	c.Winner = winner
	c.UpdatedAt = &now
	if state == model.CampaignRunning && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if state.IsFinal() {
		c.CompletedAt = &now
	}
	return nil
}

// ListCampaigns returns newest first.
func (r *MemoryCampaignRepository) ListCampaigns(_ context.Context, offset, limit int, state string) ([]*model.Campaign, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*model.Campaign
	for i := len(r.order) - 1; i >= 0; i-- {
		c := r.campaigns[r.order[i]]
		if state != "" && string(c.State) != state {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	total := len(matched)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

var (
	_ BlacklistStore              = (*MemoryBlacklist)(nil)
	_ CampaignRepositoryInterface = (*MemoryCampaignRepository)(nil)
)
