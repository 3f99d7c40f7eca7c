package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"github.com/shopspring/decimal"
)

// ModelCatalog lists and updates matting models.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]*models.Model, error)
	UpsertModel(ctx context.Context, m *models.Model) (*models.Model, error)
}

// NewListModelsHandler returns the handler for GET /api/v1/models.
func NewListModelsHandler(catalog ModelCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := catalog.ListModels(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.Model{}
		}
		response.JSON(w, list)
	}
}

// NewUpsertModelHandler returns the handler for PUT /api/v1/admin/models/{name}.
// Usage counts are kept across updates.
func NewUpsertModelHandler(catalog ModelCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(chi.URLParam(r, "name"))
		if name == "" {
			badRequest(w, "model name is required")
			return
		}
		var req struct {
			Alias   *string          `json:"alias"`
			Price   *decimal.Decimal `json:"price"`
			Enabled *bool            `json:"enabled"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Price == nil {
			badRequest(w, "price is required")
			return
		}
		if req.Price.IsNegative() || !req.Price.Equal(req.Price.Round(2)) {
			badRequest(w, "price must be a non-negative amount with at most two decimal places")
			return
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}

		m, err := catalog.UpsertModel(r.Context(), &models.Model{
			Name:    name,
			Alias:   req.Alias,
			Price:   *req.Price,
			Enabled: enabled,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, m)
	}
}
