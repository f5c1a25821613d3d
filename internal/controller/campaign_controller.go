// internal/controller/campaign_controller.go
package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// CampaignController serves the write side of the campaign API.
type CampaignController struct {
	CampaignService *service.CampaignService
	Validate        *validator.Validate
	Logger          *zap.Logger
}

func NewCampaignController(svc *service.CampaignService, validate *validator.Validate, logger *zap.Logger) *CampaignController {
	return &CampaignController{
		CampaignService: svc,
		Validate:        validate,
		Logger:          logger.With(zap.String("component", "campaign_controller")),
	}
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.StartCampaign)
	r.Post("/campaigns/preview", c.PersonalizedPreview)
	r.Post("/campaigns/{id}/cancel", c.CancelCampaign)
}

func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var body StartCampaignRequestDTO
	if err := handler.Decode(r, c.Validate, &body); err != nil {
		handler.WriteError(w, c.Logger, err, "StartCampaign")
		return
	}

	id, err := c.CampaignService.StartCampaign(r.Context(), body.ToRequest())
	if err != nil {
		handler.WriteError(w, c.Logger, err, "StartCampaign")
		return
	}

	state := model.CampaignRunning
	if live, ok := c.CampaignService.Dispatcher.State(id); ok {
		state = live
	}
	handler.WriteJSON(w, http.StatusAccepted, StartCampaignResponseDTO{CampaignID: id, State: state})
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.CancelCampaign(r.Context(), id); err != nil {
		handler.WriteError(w, c.Logger, err, "CancelCampaign")
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, map[string]string{
		"campaign_id": id,
		"status":      "cancelling",
	})
}

// PersonalizedPreview renders a template for one recipient without sending.
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body PreviewRequestDTO
	if err := handler.Decode(r, c.Validate, &body); err != nil {
		handler.WriteError(w, c.Logger, err, "PersonalizedPreview")
		return
	}

	recipient := model.Recipient{ID: body.RecipientID, Fields: body.Fields}
	rendered, missing, err := c.CampaignService.RenderPreview(body.Template, recipient)
	if err != nil {
		handler.WriteError(w, c.Logger, err, "PersonalizedPreview")
		return
	}

	res := PreviewResponseDTO{RenderedMessage: rendered, RecipientID: body.RecipientID}
	for _, m := range missing {
		res.MissingFields = append(res.MissingFields, m.Path)
	}
	handler.WriteJSON(w, http.StatusOK, res)
}
