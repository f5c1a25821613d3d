// Package gateway is the boundary to external delivery vendors.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// Message is one job as seen by a vendor.
type Message struct {
	JobID          int64
	IdempotencyKey string
	To             string
	Body           string
	SenderID       string
}

type SubmitBatch struct {
	BatchID    string
	CampaignID string
	Messages   []Message
}

// Receipt is the per-job answer to a submit. Err is nil when the vendor accepted the message.
type Receipt struct {
	JobID             int64
	ProviderMessageID string
	Status            model.DeliveryStatus
	Cost              float64
	Err               error
}

// StatusUpdate is a delivery report fetched by Poll.
type StatusUpdate struct {
	ProviderMessageID string
	Status            model.DeliveryStatus
	Cost              float64
	Err               error
	At                time.Time
}

// Gateway is implemented per vendor. A non-nil error from Submit or Poll
// means the whole call failed and must be an ErrGatewayUnavailable.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, batch SubmitBatch) ([]Receipt, error)
	Poll(ctx context.Context, providerIDs []string) ([]StatusUpdate, error)
}

// IdempotencyKey identifies one delivery attempt of a job.
func IdempotencyKey(jobID int64, attempt int) string {
	return fmt.Sprintf("%d-%d", jobID, attempt)
}

type Limits struct {
	MaxBatchSize     int
	MaxRatePerWindow int
	Window           time.Duration
}

// BatchCap is the largest batch a single admission can carry.
func (l Limits) BatchCap() int {
	if l.MaxRatePerWindow > 0 && l.MaxRatePerWindow < l.MaxBatchSize {
		return l.MaxRatePerWindow
	}
	return l.MaxBatchSize
}

type Entry struct {
	Gateway  Gateway
	Gate     *Gate
	Limits   Limits
	SenderID string
}

// Registry maps gateway names to instances. Each instance owns exactly one Gate.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) Register(gw Gateway, limits Limits, senderID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Entry{
		Gateway:  gw,
		Gate:     NewGate(limits),
		Limits:   limits,
		SenderID: senderID,
	}
	r.entries[gw.Name()] = e
	return e
}

func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, appErrors.NewValidation(appErrors.KindUnknownGateway, fmt.Sprintf("gateway %q is not registered", name), nil)
	}
	return e, nil
}

// Names returns registered gateway names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
