// internal/model/recipient.go
package model

import "strings"

// Recipient is an immutable snapshot taken when the audience is resolved.
type Recipient struct {
	ID     string         `db:"id" json:"id"`
	Phone  string         `db:"phone" json:"phone"`
	Fields map[string]any `db:"fields" json:"fields,omitempty"`
	Groups []string       `db:"groups" json:"groups,omitempty"`
}

// Lookup resolves a dotted path such as "student.first_name" into the field map.
func (r Recipient) Lookup(path string) (any, bool) {
	var cur any = r.Fields
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func (r Recipient) InGroup(group string) bool {
	for _, g := range r.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Contactable is implemented by any host record that can receive messages.
type Contactable interface {
	RecipientID() string
	PhoneNumber() string
	MessageFields() map[string]any
}

// RecipientFrom adapts a host record into a Recipient snapshot.
func RecipientFrom(c Contactable, groups ...string) Recipient {
	fields := make(map[string]any)
	for k, v := range c.MessageFields() {
		fields[k] = v
	}
	return Recipient{
		ID:     c.RecipientID(),
		Phone:  c.PhoneNumber(),
		Fields: fields,
		Groups: append([]string(nil), groups...),
	}
}

type ConditionOp string

const (
	OpEq     ConditionOp = "eq"
	OpNeq    ConditionOp = "neq"
	OpIn     ConditionOp = "in"
	OpPrefix ConditionOp = "prefix"
	OpExists ConditionOp = "exists"
)

// Condition matches a single recipient field.
type Condition struct {
	Field  string      `json:"field" validate:"required"`
	Op     ConditionOp `json:"op" validate:"required,oneof=eq neq in prefix exists"`
	Value  string      `json:"value,omitempty"`
	Values []string    `json:"values,omitempty"`
}

// AudienceDescriptor selects recipients. Every option that is set narrows the result.
type AudienceDescriptor struct {
	Group        string               `json:"group,omitempty"`
	Filter       []Condition          `json:"filter,omitempty"`
	Predicate    func(Recipient) bool `json:"-"`
	ExplicitList []Recipient          `json:"explicit_list,omitempty"`
}

func (d AudienceDescriptor) IsZero() bool {
	return d.Group == "" && len(d.Filter) == 0 && d.Predicate == nil && len(d.ExplicitList) == 0
}
