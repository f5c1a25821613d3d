package controller

import (
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type VariantDTO struct {
	Name string `json:"name" validate:"required,max=32"`
	Body string `json:"body" validate:"required"`
}

type TemplateDTO struct {
	Body     string       `json:"body" validate:"required"`
	Variants []VariantDTO `json:"variants,omitempty" validate:"omitempty,dive"`
}

type RecipientDTO struct {
	ID     string         `json:"id" validate:"required"`
	Phone  string         `json:"phone" validate:"required"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (r RecipientDTO) toModel() model.Recipient {
	return model.Recipient{ID: r.ID, Phone: r.Phone, Fields: r.Fields}
}

type AudienceDTO struct {
	Group        string            `json:"group,omitempty"`
	Filter       []model.Condition `json:"filter,omitempty" validate:"omitempty,dive"`
	ExplicitList []RecipientDTO    `json:"explicit_list,omitempty" validate:"omitempty,dive"`
}

type AllocationDTO struct {
	Variant string  `json:"variant" validate:"required"`
	Ratio   float64 `json:"ratio" validate:"gt=0,lte=1"`
}

// StartCampaignRequestDTO is the body of POST /campaigns and of campaign.start messages.
type StartCampaignRequestDTO struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Template    TemplateDTO     `json:"template"`
	Audience    AudienceDTO     `json:"audience"`
	SendAt      *time.Time      `json:"send_at,omitempty"`
	Until       *time.Time      `json:"until,omitempty"`
	Allocations []AllocationDTO `json:"allocations,omitempty" validate:"omitempty,dive"`
	Gateway     string          `json:"gateway,omitempty"`
}

// ToRequest converts the DTO into the engine's request type.
func (d StartCampaignRequestDTO) ToRequest() service.StartCampaignRequest {
	req := service.StartCampaignRequest{
		Name: d.Name,
		Template: model.MessageTemplate{
			Body: d.Template.Body,
		},
		Audience: model.AudienceDescriptor{
			Group:  d.Audience.Group,
			Filter: d.Audience.Filter,
		},
		Schedule: model.Schedule{SendAt: d.SendAt, Until: d.Until},
		Gateway:  d.Gateway,
	}
	for _, v := range d.Template.Variants {
		req.Template.Variants = append(req.Template.Variants, model.Variant{Name: v.Name, Body: v.Body})
	}
	for _, r := range d.Audience.ExplicitList {
		req.Audience.ExplicitList = append(req.Audience.ExplicitList, r.toModel())
	}
	for _, a := range d.Allocations {
		req.Allocations = append(req.Allocations, model.VariantAllocation{Variant: a.Variant, Ratio: a.Ratio})
	}
	return req
}

type StartCampaignResponseDTO struct {
	CampaignID string              `json:"campaign_id"`
	State      model.CampaignState `json:"state"`
}

type PreviewRequestDTO struct {
	Template    string         `json:"template" validate:"required"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

type PreviewResponseDTO struct {
	RenderedMessage string   `json:"rendered_message"`
	MissingFields   []string `json:"missing_fields,omitempty"`
	RecipientID     string   `json:"recipient_id"`
}
