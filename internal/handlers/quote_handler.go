package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quote-approval-service/internal/middleware"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/repository"
	"quote-approval-service/internal/services"
)

// QuoteHandler handles quote lifecycle HTTP requests
type QuoteHandler struct {
	service *services.ApprovalService
	logger  *logrus.Entry
}

// NewQuoteHandler creates a new quote handler
func NewQuoteHandler(service *services.ApprovalService, logger *logrus.Logger) *QuoteHandler {
	return &QuoteHandler{
		service: service,
		logger:  logger.WithField("component", "quote_handler"),
	}
}

// CreateQuoteRequest is the payload for creating a quote
type CreateQuoteRequest struct {
	QuoteNumber     string  `json:"quoteNumber" binding:"required"`
	TotalAmount     float64 `json:"totalAmount" binding:"required"`
	Currency        string  `json:"currency"`
	DiscountPercent float64 `json:"discountPercent"`
	CustomerType    string  `json:"customerType"`
	Department      string  `json:"department"`
	OwnerID         string  `json:"ownerId" binding:"required"`
	Notes           string  `json:"notes"`
}

// CreateQuote godoc
// @Summary Create a quote
// @Description Creates a draft quote subject to approval on submission
// @Tags quotes
// @Accept json
// @Produce json
// @Param request body CreateQuoteRequest true "Quote details"
// @Success 201 {object} models.Quote
// @Failure 400 {object} map[string]string
// @Router /quotes [post]
func (h *QuoteHandler) CreateQuote(c *gin.Context) {
	var req CreateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ownerId"})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	quote := &models.Quote{
		TenantID:        middleware.GetTenantID(c),
		QuoteNumber:     req.QuoteNumber,
		TotalAmount:     req.TotalAmount,
		Currency:        currency,
		DiscountPercent: req.DiscountPercent,
		CustomerType:    req.CustomerType,
		Department:      req.Department,
		OwnerID:         ownerID,
		Notes:           req.Notes,
	}

	if err := h.service.CreateQuote(c.Request.Context(), quote); err != nil {
		h.logger.WithError(err).Error("Failed to create quote")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, quote)
}

// GetQuote godoc
// @Summary Get a quote
// @Tags quotes
// @Produce json
// @Param id path string true "Quote ID"
// @Success 200 {object} models.Quote
// @Failure 404 {object} map[string]string
// @Router /quotes/{id} [get]
func (h *QuoteHandler) GetQuote(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	quote, err := h.service.GetQuote(c.Request.Context(), quoteID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// UpdateQuote godoc
// @Summary Update a quote
// @Description Updates quote fields. Approval-relevant fields are frozen while the quote is bound to an active chain.
// @Tags quotes
// @Accept json
// @Produce json
// @Param id path string true "Quote ID"
// @Param request body services.UpdateQuoteRequest true "Fields to update"
// @Success 200 {object} models.Quote
// @Failure 409 {object} map[string]string
// @Router /quotes/{id} [put]
func (h *QuoteHandler) UpdateQuote(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req services.UpdateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quote, err := h.service.UpdateQuote(c.Request.Context(), quoteID, req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// SubmitQuote godoc
// @Summary Submit a quote for approval
// @Description Evaluates workflows against the quote and binds it to the best match, or marks it not_required
// @Tags quotes
// @Produce json
// @Param id path string true "Quote ID"
// @Success 200 {object} models.Quote
// @Failure 409 {object} map[string]string
// @Router /quotes/{id}/submit [post]
func (h *QuoteHandler) SubmitQuote(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	quote, err := h.service.SubmitQuote(c.Request.Context(), quoteID, actorFromContext(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// ResubmitQuote godoc
// @Summary Resubmit a quote
// @Description Cancels the current approval chain and re-runs workflow selection against the quote's current attributes
// @Tags quotes
// @Produce json
// @Param id path string true "Quote ID"
// @Success 200 {object} models.Quote
// @Failure 409 {object} map[string]string
// @Router /quotes/{id}/resubmit [post]
func (h *QuoteHandler) ResubmitQuote(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	quote, err := h.service.ResubmitQuote(c.Request.Context(), quoteID, actorFromContext(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// GetChainStatus godoc
// @Summary Get approval chain status
// @Description Returns the chain's aggregate progress and every approval instance
// @Tags quotes
// @Produce json
// @Param id path string true "Quote ID"
// @Success 200 {object} services.ChainProgress
// @Failure 404 {object} map[string]string
// @Router /quotes/{id}/approvals [get]
func (h *QuoteHandler) GetChainStatus(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	progress, err := h.service.ChainStatus(c.Request.Context(), quoteID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetQuoteHistory godoc
// @Summary Get quote audit history
// @Description Returns the append-only audit trail for the quote, oldest first
// @Tags quotes
// @Produce json
// @Param id path string true "Quote ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /quotes/{id}/history [get]
func (h *QuoteHandler) GetQuoteHistory(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	history, err := h.service.GetQuoteHistory(c.Request.Context(), quoteID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "count": len(history)})
}

// --- Shared helpers ---

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func actorFromContext(c *gin.Context) services.Actor {
	return services.Actor{
		ID:   middleware.GetUserID(c),
		Role: middleware.GetUserRole(c),
	}
}

// respondServiceError maps service errors to HTTP status codes
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrQuoteNotFound),
		errors.Is(err, services.ErrApprovalNotFound),
		errors.Is(err, services.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrWorkflowBound),
		errors.Is(err, services.ErrWorkflowImmutable),
		errors.Is(err, repository.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidDecision),
		errors.Is(err, services.ErrMissingComments):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUnauthorizedApprover):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrDelegationNotAllowed),
		errors.Is(err, services.ErrApproverCapExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
