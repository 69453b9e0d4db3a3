// Package api serves the price REST endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anypay/prices/pkg/models"
	"github.com/anypay/prices/pkg/repository"
	"github.com/anypay/prices/pkg/storage/postgres"
)

// PriceStore is the persistent price repository.
type PriceStore interface {
	Create(ctx context.Context, req models.PriceCreateRequest) (models.Price, error)
	Get(ctx context.Context, id uuid.UUID) (models.Price, error)
	List(ctx context.Context, filter postgres.ListFilter) ([]models.Price, error)
	Update(ctx context.Context, id uuid.UUID, req models.PriceUpdateRequest) (models.Price, error)
	Delete(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, currency, base string, limit int) ([]models.PriceHistory, error)
	Sources(ctx context.Context, currency, base string) ([]models.PriceSource, error)
}

// SnapshotReader returns the latest cached observation for a pair.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, pair string) (models.PriceObservation, error)
}

var (
	_ PriceStore     = (*postgres.Store)(nil)
	_ SnapshotReader = (*repository.RedisStore)(nil)
)

type Handler struct {
	store  PriceStore
	cache  SnapshotReader
	logger *zap.Logger
}

func NewHandler(store PriceStore, cache SnapshotReader, logger *zap.Logger) *Handler {
	return &Handler{store: store, cache: cache, logger: logger}
}

// Router builds the gin engine with every price route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	prices := r.Group("/api/prices")
	prices.GET("", h.listPrices)
	prices.POST("", h.createPrice)
	prices.GET("/:id", h.getPrice)
	prices.PUT("/:id", h.updatePrice)
	prices.DELETE("/:id", h.deletePrice)
	prices.GET("/history/:pair", h.priceHistory)
	prices.GET("/sources/:pair", h.priceSources)
	prices.GET("/latest/:pair", h.latestPrice)
	return r
}

func (h *Handler) listPrices(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	prices, err := h.store.List(c.Request.Context(), postgres.ListFilter{
		Currency:     c.Query("currency"),
		BaseCurrency: c.Query("base_currency"),
		Source:       c.Query("source"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.internalError(c, "List prices failed", err)
		return
	}
	c.JSON(http.StatusOK, prices)
}

func (h *Handler) createPrice(c *gin.Context) {
	var req models.PriceCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.store.Create(c.Request.Context(), req)
	if err != nil {
		h.internalError(c, "Create price failed", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) getPrice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	p, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(c, http.StatusNotFound, "price not found")
		return
	}
	if err != nil {
		h.internalError(c, "Get price failed", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) updatePrice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req models.PriceUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.store.Update(c.Request.Context(), id, req)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(c, http.StatusNotFound, "price not found")
		return
	}
	if err != nil {
		h.internalError(c, "Update price failed", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) deletePrice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	err := h.store.Delete(c.Request.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(c, http.StatusNotFound, "price not found")
		return
	}
	if err != nil {
		h.internalError(c, "Delete price failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) priceHistory(c *gin.Context) {
	currency, base, ok := parsePair(c)
	if !ok {
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	history, err := h.store.History(c.Request.Context(), currency, base, limit)
	if err != nil {
		h.internalError(c, "Price history failed", err)
		return
	}
	if history == nil {
		history = []models.PriceHistory{}
	}
	c.JSON(http.StatusOK, history)
}

func (h *Handler) priceSources(c *gin.Context) {
	currency, base, ok := parsePair(c)
	if !ok {
		return
	}

	sources, err := h.store.Sources(c.Request.Context(), currency, base)
	if err != nil {
		h.internalError(c, "Price sources failed", err)
		return
	}
	c.JSON(http.StatusOK, sources)
}

func (h *Handler) latestPrice(c *gin.Context) {
	currency, base, ok := parsePair(c)
	if !ok {
		return
	}

	obs, err := h.cache.GetSnapshot(c.Request.Context(), models.FormatPair(currency, base))
	if errors.Is(err, repository.ErrNoSnapshot) {
		writeError(c, http.StatusNotFound, "no recent price")
		return
	}
	if err != nil {
		h.internalError(c, "Latest price failed", err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	writeError(c, http.StatusInternalServerError, "internal error")
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func parsePair(c *gin.Context) (string, string, bool) {
	currency, base, err := models.ParsePair(c.Param("pair"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return currency, base, true
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
