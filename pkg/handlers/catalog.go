package handlers

import (
	"errors"
	"net/http"

	"github.com/anatoly-dev/lobby-sync/internal/service"
	"github.com/anatoly-dev/lobby-sync/pkg/catalog"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"go.uber.org/zap"
)

type CatalogHandler struct {
	lobby  Lobby
	logger *zap.Logger
}

func NewCatalogHandler(lobby Lobby, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{lobby: lobby, logger: logger}
}

func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lobby.Catalog())
}

// SetFilters applies a partial filter and responds with the resulting snapshot.
func (h *CatalogHandler) SetFilters(w http.ResponseWriter, r *http.Request) {
	var patch service.FilterPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.lobby.SetFilters(r.Context(), patch); err != nil {
		h.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.lobby.Catalog())
}

func (h *CatalogHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.lobby.Refresh(r.Context()); err != nil {
		h.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.lobby.Catalog())
}

func (h *CatalogHandler) writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrInvalidFilter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var fe *catalog.FetchError
	if errors.As(err, &fe) {
		h.logger.Warn("Catalog load failed",
			zap.String("fingerprint", fe.Fingerprint),
			zap.Int("status", fe.StatusCode),
			zap.Error(err))

		writeJSON(w, http.StatusBadGateway, FetchErrorEnvelope{
			Error:       fe.Message,
			Fingerprint: fe.Fingerprint,
			StatusCode:  fe.StatusCode,
			Retryable:   fe.Retryable(),
		})
		return
	}

	h.logger.Error("Unexpected catalog error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
