package service

import (
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type ABState string

const (
	ABNotTesting     ABState = "not_testing"
	ABTesting        ABState = "testing"
	ABWinnerSelected ABState = "winner_selected"
	ABPromoted       ABState = "promoted"
	// ABInconclusive ends a test that could never reach its sample size.
	ABInconclusive ABState = "inconclusive"
)

type ABConfig struct {
	MinSampleSize int
	Confidence    float64
}

// VariantOutcome is the evidence for one variant: trials with a known result and successes among them.
type VariantOutcome struct {
	Trials    int
	Successes int
}

func (o VariantOutcome) rate() float64 {
	if o.Trials == 0 {
		return 0
	}
	return float64(o.Successes) / float64(o.Trials)
}

// Decision explains an evaluation.
type Decision struct {
	Winner string
	// Significant is false when the winner was picked by declaration order among tied leaders.
	Significant bool
}

// Allocator assigns recipients to variants for one campaign. Assignments are a
// pure function of recipient and campaign, so independent allocators agree. Recipients outside every ratio are held out for rollout.
type Allocator struct {
	mu          sync.Mutex
	campaignID  string
	allocations []model.VariantAllocation
	cfg         ABConfig
	state       ABState
	assigned    map[string]string
	winner      string
}

func ValidateAllocations(allocs []model.VariantAllocation, tpl model.MessageTemplate) error {
	sum := 0.0
	seen := make(map[string]bool)
	for _, a := range allocs {
		if a.Ratio <= 0 || a.Ratio > 1 {
			return appErrors.NewValidation(appErrors.KindInvalidRatios, fmt.Sprintf("variant %q ratio %v outside (0,1]", a.Variant, a.Ratio), nil)
		}
		if seen[a.Variant] {
			return appErrors.NewValidation(appErrors.KindInvalidRatios, fmt.Sprintf("variant %q allocated twice", a.Variant), nil)
		}
		if _, ok := tpl.VariantBody(a.Variant); !ok || a.Variant == "" {
			return appErrors.NewValidation(appErrors.KindInvalidRatios, fmt.Sprintf("variant %q is not defined by the template", a.Variant), nil)
		}
		seen[a.Variant] = true
		sum += a.Ratio
	}
	if sum > 1+1e-9 {
		return appErrors.NewValidation(appErrors.KindInvalidRatios, fmt.Sprintf("variant ratios sum to %v", sum), nil)
	}
	return nil
}

func NewAllocator(campaignID string, allocs []model.VariantAllocation, cfg ABConfig) *Allocator {
	state := ABTesting
	if len(allocs) == 0 {
		state = ABNotTesting
	}
	return &Allocator{
		campaignID:  campaignID,
		allocations: append([]model.VariantAllocation(nil), allocs...),
		cfg:         cfg,
		state:       state,
		assigned:    make(map[string]string),
	}
}

func (a *Allocator) State() ABState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Allocator) Winner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.winner
}

// bucket maps a recipient to [0,1).
func (a *Allocator) bucket(recipientID string) float64 {
	return float64(xxhash.Sum64String(recipientID+":"+a.campaignID)>>11) / (1 << 53)
}

// Assign returns the variant for a recipient, or holdout=true when it waits for rollout.
// Once made, an assignment is fixed.
func (a *Allocator) Assign(recipientID string) (variant string, holdout bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.assigned[recipientID]; ok {
		return v, v == ""
	}
	if a.state == ABNotTesting {
		return "", false
	}

	u := a.bucket(recipientID)
	cum := 0.0
	for _, alloc := range a.allocations {
		cum += alloc.Ratio
		if u < cum {
			a.assigned[recipientID] = alloc.Variant
			return alloc.Variant, false
		}
	}
	a.assigned[recipientID] = ""
	return "", true
}

// Evaluate looks for a winner. It returns nothing until every variant has
// MinSampleSize trials. The best variant wins outright when it beats every
// other variant under a one-sided two-proportion z-test at the configured
// confidence.
// When final is set and leaders are indistinguishable, the first-declared
// among them wins.
func (a *Allocator) Evaluate(outcomes map[string]VariantOutcome, final bool) (Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != ABTesting {
		return Decision{Winner: a.winner}, a.winner != ""
	}
	for _, alloc := range a.allocations {
		if outcomes[alloc.Variant].Trials < a.cfg.MinSampleSize {
			return Decision{}, false
		}
	}

	leader := a.allocations[0].Variant
	for _, alloc := range a.allocations[1:] {
		if outcomes[alloc.Variant].rate() > outcomes[leader].rate() {
			leader = alloc.Variant
		}
	}

	zCrit := oneSidedCritical(a.cfg.Confidence)
	beatsAll := true
	var tied []string
	for _, alloc := range a.allocations {
		if alloc.Variant == leader {
			tied = append(tied, leader)
			continue
		}
		if zScore(outcomes[leader], outcomes[alloc.Variant]) > zCrit {
			continue
		}
		beatsAll = false
		tied = append(tied, alloc.Variant)
	}

	switch {
	case beatsAll:
		a.winner = leader
		a.state = ABWinnerSelected
		return Decision{Winner: leader, Significant: true}, true
	case final:
		// tied is in declaration order
		a.winner = tied[0]
		a.state = ABWinnerSelected
		return Decision{Winner: tied[0]}, true
	}
	return Decision{}, false
}

// oneSidedCritical is the standard normal quantile at confidence, 1.645 for 0.95.
func oneSidedCritical(confidence float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*confidence-1)
}

// zScore is the two-proportion z statistic of a over b using the pooled rate.
func zScore(a, b VariantOutcome) float64 {
	n := float64(a.Trials + b.Trials)
	if a.Trials == 0 || b.Trials == 0 {
		return 0
	}
	p := float64(a.Successes+b.Successes) / n
	se := math.Sqrt(p * (1 - p) * (1/float64(a.Trials) + 1/float64(b.Trials)))
	if se == 0 {
		return 0
	}
	return (a.rate() - b.rate()) / se
}

// Conclude closes a test that ran out of time without enough evidence.
func (a *Allocator) Conclude() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == ABTesting {
		a.state = ABInconclusive
	}
}

// PromoteHoldout assigns every held-out recipient to the rollout variant and
// returns it: the winner, or "" (base template) after an inconclusive test.
func (a *Allocator) PromoteHoldout(recipientIDs []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var variant string
	switch a.state {
	case ABWinnerSelected, ABPromoted:
		variant = a.winner
	case ABInconclusive:
	default:
		return "", appErrors.NewInvalidTransition(string(a.state), "rollout")
	}
	for _, id := range recipientIDs {
		if v, ok := a.assigned[id]; ok && v == "" {
			a.assigned[id] = variant
		}
	}
	return variant, nil
}

// MarkPromoted records that rollout jobs exist for the winner.
func (a *Allocator) MarkPromoted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == ABWinnerSelected {
		a.state = ABPromoted
	}
}
