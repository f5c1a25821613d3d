package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

var fiftyFifty = []model.VariantAllocation{{Variant: "A", Ratio: 0.5}, {Variant: "B", Ratio: 0.5}}

func TestAssignSplitsEvenlyAndStably(t *testing.T) {
	cfg := ABConfig{MinSampleSize: 10, Confidence: 0.95}
	first := NewAllocator("camp-1", fiftyFifty, cfg)
	second := NewAllocator("camp-1", fiftyFifty, cfg)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("recipient-%d", i)
		v1, holdout := first.Assign(id)
		require.False(t, holdout)
		v2, _ := second.Assign(id)
		assert.Equal(t, v1, v2, id)
		counts[v1]++
	}
	assert.InDelta(t, 500, counts["A"], 60)
	assert.InDelta(t, 500, counts["B"], 60)
}

func TestAssignHoldoutShare(t *testing.T) {
	a := NewAllocator("camp-2", []model.VariantAllocation{{Variant: "A", Ratio: 0.1}, {Variant: "B", Ratio: 0.1}}, ABConfig{})
	holdouts := 0
	for i := 0; i < 2000; i++ {
		if _, h := a.Assign(fmt.Sprint(i)); h {
			holdouts++
		}
	}
	assert.InDelta(t, 1600, holdouts, 120)
}

func TestAssignIsFixed(t *testing.T) {
	a := NewAllocator("camp-3", fiftyFifty, ABConfig{})
	before := map[string]string{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprint(i)
		before[id], _ = a.Assign(id)
	}
	for id, v := range before {
		again, _ := a.Assign(id)
		assert.Equal(t, v, again)
	}

	// a different campaign splits the same recipients differently
	other := NewAllocator("camp-3b", fiftyFifty, ABConfig{})
	changed := 0
	for id, v := range before {
		if again, _ := other.Assign(id); again != v {
			changed++
		}
	}
	assert.Greater(t, changed, 0)
}

func TestEvaluateKeepsFirstWinner(t *testing.T) {
	a := NewAllocator("camp-4", fiftyFifty, ABConfig{MinSampleSize: 1, Confidence: 0.95})
	d, ok := a.Evaluate(map[string]VariantOutcome{"A": {Trials: 500, Successes: 450}, "B": {Trials: 500, Successes: 250}}, false)
	require.True(t, ok)
	assert.Equal(t, "A", d.Winner)

	d, ok = a.Evaluate(map[string]VariantOutcome{"A": {Trials: 500, Successes: 10}, "B": {Trials: 500, Successes: 490}}, true)
	require.True(t, ok)
	assert.Equal(t, "A", d.Winner)
}

func TestOneSidedCriticalValue(t *testing.T) {
	assert.InDelta(t, 1.645, oneSidedCritical(0.95), 1e-3)
	assert.InDelta(t, 2.326, oneSidedCritical(0.99), 1e-3)

	// z is about 1.70: significant one-sided at 95%, not two-sided
	a := NewAllocator("camp-4b", fiftyFifty, ABConfig{MinSampleSize: 100, Confidence: 0.95})
	d, ok := a.Evaluate(map[string]VariantOutcome{"A": {Trials: 100, Successes: 60}, "B": {Trials: 100, Successes: 48}}, false)
	require.True(t, ok)
	assert.Equal(t, "A", d.Winner)
	assert.True(t, d.Significant)
}

func TestEvaluateNeedsMinimumSample(t *testing.T) {
	a := NewAllocator("camp-5", fiftyFifty, ABConfig{MinSampleSize: 100, Confidence: 0.95})
	_, ok := a.Evaluate(map[string]VariantOutcome{"A": {Trials: 99, Successes: 99}, "B": {Trials: 500, Successes: 10}}, true)
	assert.False(t, ok)
	assert.Equal(t, ABTesting, a.State())
}

func TestEvaluateSignificantWinner(t *testing.T) {
	a := NewAllocator("camp-6", fiftyFifty, ABConfig{MinSampleSize: 100, Confidence: 0.95})
	d, ok := a.Evaluate(map[string]VariantOutcome{"A": {Trials: 400, Successes: 200}, "B": {Trials: 400, Successes: 300}}, false)
	require.True(t, ok)
	assert.Equal(t, "B", d.Winner)
	assert.True(t, d.Significant)
	assert.Equal(t, ABWinnerSelected, a.State())
}

func TestEvaluateTieWaitsThenPrefersFirstDeclared(t *testing.T) {
	a := NewAllocator("camp-7", fiftyFifty, ABConfig{MinSampleSize: 100, Confidence: 0.95})
	tie := map[string]VariantOutcome{"A": {Trials: 200, Successes: 150}, "B": {Trials: 200, Successes: 155}}

	_, ok := a.Evaluate(tie, false)
	assert.False(t, ok)

	d, ok := a.Evaluate(tie, true)
	require.True(t, ok)
	assert.Equal(t, "A", d.Winner)
	assert.False(t, d.Significant)
}

func TestPromoteHoldout(t *testing.T) {
	a := NewAllocator("camp-8", []model.VariantAllocation{{Variant: "A", Ratio: 0.2}, {Variant: "B", Ratio: 0.2}}, ABConfig{MinSampleSize: 1, Confidence: 0.9})
	var holdout []string
	for i := 0; i < 100; i++ {
		if _, h := a.Assign(fmt.Sprint(i)); h {
			holdout = append(holdout, fmt.Sprint(i))
		}
	}
	require.NotEmpty(t, holdout)

	_, err := a.PromoteHoldout(holdout)
	assert.Error(t, err, "no winner yet")

	_, ok := a.Evaluate(map[string]VariantOutcome{"A": {Trials: 300, Successes: 100}, "B": {Trials: 300, Successes: 280}}, false)
	require.True(t, ok)

	variant, err := a.PromoteHoldout(holdout)
	require.NoError(t, err)
	assert.Equal(t, "B", variant)
	v, h := a.Assign(holdout[0])
	assert.Equal(t, "B", v)
	assert.False(t, h)

	a.MarkPromoted()
	assert.Equal(t, ABPromoted, a.State())
}

func TestInconclusiveRollsOutBaseTemplate(t *testing.T) {
	a := NewAllocator("camp-9", []model.VariantAllocation{{Variant: "A", Ratio: 0.5}}, ABConfig{MinSampleSize: 1000})
	a.Conclude()
	assert.Equal(t, ABInconclusive, a.State())
	variant, err := a.PromoteHoldout(nil)
	require.NoError(t, err)
	assert.Equal(t, "", variant)
}

func TestValidateAllocations(t *testing.T) {
	tpl := model.MessageTemplate{Body: "base", Variants: []model.Variant{{Name: "A", Body: "a"}, {Name: "B", Body: "b"}}}
	assert.NoError(t, ValidateAllocations(fiftyFifty, tpl))
	assert.Error(t, ValidateAllocations([]model.VariantAllocation{{Variant: "A", Ratio: 0.7}, {Variant: "B", Ratio: 0.4}}, tpl))
	assert.Error(t, ValidateAllocations([]model.VariantAllocation{{Variant: "C", Ratio: 0.2}}, tpl))
	assert.Error(t, ValidateAllocations([]model.VariantAllocation{{Variant: "A", Ratio: 0}}, tpl))
	assert.Error(t, ValidateAllocations([]model.VariantAllocation{{Variant: "A", Ratio: 0.2}, {Variant: "A", Ratio: 0.2}}, tpl))
}
