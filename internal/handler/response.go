package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps engine errors onto HTTP statuses. Anything unclassified is a 500.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error, operation string) {
	var (
		validation *appErrors.ErrValidation
		transition *appErrors.ErrInvalidTransition
		number     *appErrors.ErrInvalidNumber
		invalid    validator.ValidationErrors
	)
	switch {
	case errors.As(err, &invalid):
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: invalid.Error(), Kind: string(appErrors.KindInvalidRequest)})
	case errors.As(err, &validation):
		logger.Warn("request rejected", zap.String("operation", operation), zap.Error(err))
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(validation.Kind)})
	case errors.As(err, &number):
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(appErrors.KindInvalidRequest)})
	case appErrors.IsNotFound(err):
		WriteJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &transition):
		WriteJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// Decode reads a JSON body into dst and validates its tags.
func Decode(r *http.Request, validate *validator.Validate, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return appErrors.NewValidation(appErrors.KindInvalidRequest, "invalid request body", err)
	}
	if err := validate.StructCtx(r.Context(), dst); err != nil {
		return err
	}
	return nil
}

// QueryInt reads a positive integer query parameter, falling back to def.
func QueryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, appErrors.NewValidation(appErrors.KindInvalidRequest, fmt.Sprintf("%s must be a positive integer", key), nil)
	}
	return v, nil
}
