// internal/handler/campaign_handler.go
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// CampaignHandler serves campaign reads: listing, details and delivery summaries.
type CampaignHandler struct {
	Service *service.CampaignService
	Logger  *zap.Logger
}

func NewCampaignHandler(svc *service.CampaignService, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{
		Service: svc,
		Logger:  logger.With(zap.String("component", "campaign_handler")),
	}
}

func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/campaigns", h.ListCampaignsHandler)
	r.Get("/campaigns/{id}", h.GetCampaignHandlerWithStats)
	r.Get("/campaigns/{id}/summary", h.SummaryHandler)
}

var listableStates = map[string]bool{
	"":                                    true,
	string(model.CampaignDraft):           true,
	string(model.CampaignScheduled):       true,
	string(model.CampaignRunning):         true,
	string(model.CampaignTestingVariants): true,
	string(model.CampaignPromotingWinner): true,
	string(model.CampaignCompleted):       true,
	string(model.CampaignCancelled):       true,
}

// ListCampaignsHandler returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	page, err := QueryInt(r, "page", 1)
	if err != nil {
		WriteError(w, h.Logger, err, "ListCampaigns")
		return
	}
	pageSize, err := QueryInt(r, "page_size", 20)
	if err != nil {
		WriteError(w, h.Logger, err, "ListCampaigns")
		return
	}
	state := r.URL.Query().Get("state")
	if !listableStates[state] {
		WriteError(w, h.Logger, appErrors.NewValidation(appErrors.KindInvalidRequest, "unknown state "+state, nil), "ListCampaigns")
		return
	}

	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(), page, pageSize, state)
	if err != nil {
		WriteError(w, h.Logger, err, "ListCampaigns")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

// GetCampaignHandlerWithStats returns a campaign with its delivery counters.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	details, err := h.Service.GetCampaignDetails(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err, "GetCampaign")
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

func (h *CampaignHandler) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := h.Service.Summary(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err, "Summary")
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
