package handler

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type BlacklistRequestDTO struct {
	Phone  string                `json:"phone" validate:"required"`
	Reason model.BlacklistReason `json:"reason" validate:"required,oneof=user_request bounced complaint admin"`
	Source model.BlacklistSource `json:"source,omitempty" validate:"omitempty,oneof=self_opt_out administrative"`
	Notes  string                `json:"notes,omitempty" validate:"max=500"`
}

// BlacklistHandler manages opt-outs. Changes apply to campaigns started afterwards.
type BlacklistHandler struct {
	Service  *service.CampaignService
	Validate *validator.Validate
	Logger   *zap.Logger
}

func NewBlacklistHandler(svc *service.CampaignService, validate *validator.Validate, logger *zap.Logger) *BlacklistHandler {
	return &BlacklistHandler{
		Service:  svc,
		Validate: validate,
		Logger:   logger.With(zap.String("component", "blacklist_handler")),
	}
}

func (h *BlacklistHandler) Routes(r chi.Router) {
	r.Get("/blacklist", h.List)
	r.Post("/blacklist", h.Add)
	r.Delete("/blacklist/{phone}", h.Remove)
}

func (h *BlacklistHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.ListBlacklist(r.Context())
	if err != nil {
		WriteError(w, h.Logger, err, "ListBlacklist")
		return
	}
	if entries == nil {
		entries = []model.BlacklistEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (h *BlacklistHandler) Add(w http.ResponseWriter, r *http.Request) {
	var body BlacklistRequestDTO
	if err := Decode(r, h.Validate, &body); err != nil {
		WriteError(w, h.Logger, err, "AddToBlacklist")
		return
	}
	entry, err := h.Service.AddToBlacklist(r.Context(), body.Phone, body.Reason, body.Source, body.Notes)
	if err != nil {
		WriteError(w, h.Logger, err, "AddToBlacklist")
		return
	}
	WriteJSON(w, http.StatusCreated, entry)
}

// Remove opts a number back in. The phone path segment may be URL-encoded ("%2B254...").
func (h *BlacklistHandler) Remove(w http.ResponseWriter, r *http.Request) {
	phone, err := url.PathUnescape(chi.URLParam(r, "phone"))
	if err != nil {
		phone = chi.URLParam(r, "phone")
	}
	removed, err := h.Service.RemoveFromBlacklist(r.Context(), phone)
	if err != nil {
		WriteError(w, h.Logger, err, "RemoveFromBlacklist")
		return
	}
	if !removed {
		WriteJSON(w, http.StatusNotFound, errorBody{Error: "number is not blacklisted"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
