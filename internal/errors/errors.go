// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when no campaign matches an ID.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ValidationKind string

const (
	KindTemplateSyntax ValidationKind = "template_syntax"
	KindEmptyAudience  ValidationKind = "empty_audience"
	KindInvalidRatios  ValidationKind = "invalid_ratios"
	KindUnknownGateway ValidationKind = "unknown_gateway"
	KindInvalidRequest ValidationKind = "invalid_request"
)

// ErrValidation blocks a campaign from starting. No job exists when it is returned.
type ErrValidation struct {
	Kind    ValidationKind
	Message string
	Err     error
}

func (e *ErrValidation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrValidation) Unwrap() error { return e.Err }

func NewValidation(kind ValidationKind, msg string, err error) error {
	return &ErrValidation{Kind: kind, Message: msg, Err: err}
}

// ErrTemplateSyntax points at a malformed placeholder.
type ErrTemplateSyntax struct {
	Offset int
	Reason string
}

func (e *ErrTemplateSyntax) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Offset, e.Reason)
}

func NewTemplateSyntax(offset int, reason string) error {
	return &ErrTemplateSyntax{Offset: offset, Reason: reason}
}

type ErrInvalidNumber struct {
	Phone  string
	Reason string
}

func (e *ErrInvalidNumber) Error() string {
	return fmt.Sprintf("invalid phone number %q: %s", e.Phone, e.Reason)
}

func NewInvalidNumber(phone, reason string) error {
	return &ErrInvalidNumber{Phone: phone, Reason: reason}
}

// Permanent failure reasons reported by gateways or raised by the engine.
const (
	ReasonOptedOut           = "opted_out"
	ReasonInvalidDestination = "invalid_destination"
	ReasonMaxAttempts        = "max_attempts"
	ReasonWindowClosed       = "window_closed"
	ReasonCancelled          = "cancelled"
)

// ErrTransientDelivery is retried with backoff.
type ErrTransientDelivery struct {
	Reason string
}

func (e *ErrTransientDelivery) Error() string {
	return "transient delivery error: " + e.Reason
}

func NewTransientDelivery(reason string) error {
	return &ErrTransientDelivery{Reason: reason}
}

// ErrPermanentDelivery is never retried.
type ErrPermanentDelivery struct {
	Reason string
}

func (e *ErrPermanentDelivery) Error() string {
	return "permanent delivery error: " + e.Reason
}

func NewPermanentDelivery(reason string) error {
	return &ErrPermanentDelivery{Reason: reason}
}

// ErrGatewayUnavailable rejects a whole batch. Jobs in it are left untouched.
type ErrGatewayUnavailable struct {
	Gateway string
	Err     error
}

func (e *ErrGatewayUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s unavailable: %v", e.Gateway, e.Err)
	}
	return fmt.Sprintf("gateway %s unavailable", e.Gateway)
}

func (e *ErrGatewayUnavailable) Unwrap() error { return e.Err }

func NewGatewayUnavailable(gateway string, err error) error {
	return &ErrGatewayUnavailable{Gateway: gateway, Err: err}
}

type ErrInvalidTransition struct {
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func NewInvalidTransition(from, to string) error {
	return &ErrInvalidTransition{From: from, To: to}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *ErrPermanentDelivery
	return errors.As(err, &p)
}

// PermanentReason returns the reason carried by a permanent error, or "".
func PermanentReason(err error) string {
	var p *ErrPermanentDelivery
	if errors.As(err, &p) {
		return p.Reason
	}
	return ""
}

func IsGatewayUnavailable(err error) bool {
	var g *ErrGatewayUnavailable
	return errors.As(err, &g)
}

func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}
