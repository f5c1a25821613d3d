package service

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// Directory is the host application's recipient source. An empty group means everyone.
type Directory interface {
	Lookup(ctx context.Context, group string) ([]model.Recipient, error)
}

// Audience is a resolved, restartable sequence of recipients.
type Audience struct {
	base  []model.Recipient
	match func(model.Recipient) bool
}

// All yields matching recipients lazily. It may be ranged over any number of times.
func (a Audience) All() iter.Seq[model.Recipient] {
	return func(yield func(model.Recipient) bool) {
		for _, r := range a.base {
			if a.match != nil && !a.match(r) {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

func (a Audience) Count() int {
	n := 0
	for range a.All() {
		n++
	}
	return n
}

type Segmenter struct {
	Directory Directory
	Logger    *zap.Logger
}

// Resolve turns a descriptor into an Audience. Group, filter and explicit list intersect.
func (s *Segmenter) Resolve(ctx context.Context, d model.AudienceDescriptor) (Audience, error) {
	if d.IsZero() {
		return Audience{}, appErrors.NewValidation(appErrors.KindEmptyAudience, "audience descriptor selects nothing", nil)
	}

	var base []model.Recipient
	switch {
	case len(d.ExplicitList) > 0 && d.Group == "":
		base = append(base, d.ExplicitList...)
	default:
		members, err := s.Directory.Lookup(ctx, d.Group)
		if err != nil {
			return Audience{}, fmt.Errorf("lookup group %q: %w", d.Group, err)
		}
		if len(d.ExplicitList) > 0 {
			members = intersectByID(members, d.ExplicitList)
		}
		base = members
	}

	conditions := d.Filter
	predicate := d.Predicate
	aud := Audience{
		base: base,
		match: func(r model.Recipient) bool {
			for _, c := range conditions {
				if !matchCondition(r, c) {
					return false
				}
			}
			return predicate == nil || predicate(r)
		},
	}

	empty := true
	for range aud.All() {
		empty = false
		break
	}
	if empty {
		return Audience{}, appErrors.NewValidation(appErrors.KindEmptyAudience, "no recipient matches the audience", nil)
	}

	if s.Logger != nil {
		s.Logger.Debug("audience resolved",
			zap.String("group", d.Group),
			zap.Int("candidates", len(base)),
			zap.Int("conditions", len(conditions)),
		)
	}
	return aud, nil
}

// intersectByID keeps directory records whose ID is in the explicit list, in list order.
func intersectByID(members, explicit []model.Recipient) []model.Recipient {
	byID := make(map[string]model.Recipient, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	var out []model.Recipient
	for _, e := range explicit {
		if m, ok := byID[e.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func matchCondition(r model.Recipient, c model.Condition) bool {
	v, ok := r.Lookup(c.Field)
	if c.Op == model.OpExists {
		return ok
	}
	got := ""
	if ok {
		got = formatValue(v)
	}
	switch c.Op {
	case model.OpEq:
		return ok && got == c.Value
	case model.OpNeq:
		return !ok || got != c.Value
	case model.OpIn:
		if !ok {
			return false
		}
		for _, want := range c.Values {
			if got == want {
				return true
			}
		}
		return false
	case model.OpPrefix:
		return ok && strings.HasPrefix(got, c.Value)
	}
	return false
}
