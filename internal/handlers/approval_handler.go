package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quote-approval-service/internal/middleware"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/services"
)

// ApprovalHandler handles approval decision HTTP requests
type ApprovalHandler struct {
	service *services.ApprovalService
	logger  *logrus.Entry
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(service *services.ApprovalService, logger *logrus.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		service: service,
		logger:  logger.WithField("component", "approval_handler"),
	}
}

// ListPending godoc
// @Summary List pending approvals for the caller
// @Tags approvals
// @Produce json
// @Param limit query int false "Page size" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /approvals/pending [get]
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	approverID := c.Query("approverId")
	if approverID == "" {
		approverID = middleware.GetUserID(c)
	}

	approvals, total, err := h.service.ListPendingForApprover(
		c.Request.Context(), middleware.GetTenantID(c), approverID, limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list pending approvals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"approvals": approvals,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// DecisionRequest carries the optional comments of an approve/reject call
type DecisionRequest struct {
	Comments string `json:"comments"`
}

// Approve godoc
// @Summary Approve a pending approval
// @Tags approvals
// @Accept json
// @Produce json
// @Param id path string true "Approval ID"
// @Param request body DecisionRequest false "Comments"
// @Success 200 {object} models.QuoteApproval
// @Failure 409 {object} map[string]string
// @Router /approvals/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.respond(c, models.DecisionApprove)
}

// Reject godoc
// @Summary Reject a pending approval
// @Description Rejects the approval and terminates the whole chain. Comments are required when the workflow demands them.
// @Tags approvals
// @Accept json
// @Produce json
// @Param id path string true "Approval ID"
// @Param request body DecisionRequest false "Comments"
// @Success 200 {object} models.QuoteApproval
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /approvals/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.respond(c, models.DecisionReject)
}

func (h *ApprovalHandler) respond(c *gin.Context, decision string) {
	approvalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req DecisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	approval, err := h.service.Respond(c.Request.Context(), approvalID, actorFromContext(c), decision, req.Comments)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// DelegateRequest carries the target of a one-off delegation
type DelegateRequest struct {
	DelegateID string `json:"delegateId" binding:"required"`
	Reason     string `json:"reason"`
}

// Delegate godoc
// @Summary Delegate a pending approval
// @Description Hands the approval to another approver; a successor instance is created for the delegate
// @Tags approvals
// @Accept json
// @Produce json
// @Param id path string true "Approval ID"
// @Param request body DelegateRequest true "Delegate"
// @Success 200 {object} models.QuoteApproval
// @Failure 422 {object} map[string]string
// @Router /approvals/{id}/delegate [post]
func (h *ApprovalHandler) Delegate(c *gin.Context) {
	approvalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req DelegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	successor, err := h.service.Delegate(c.Request.Context(), approvalID, actorFromContext(c), req.DelegateID, req.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, successor)
}

// CreateDelegationRequest defines a standing delegation window
type CreateDelegationRequest struct {
	DelegateID string     `json:"delegateId" binding:"required"`
	WorkflowID *uuid.UUID `json:"workflowId,omitempty"`
	Reason     string     `json:"reason"`
	StartDate  time.Time  `json:"startDate" binding:"required"`
	EndDate    time.Time  `json:"endDate" binding:"required"`
}

// CreateDelegation godoc
// @Summary Create a standing delegation window
// @Description While the window is valid, new approvals addressed to the caller are routed to the delegate
// @Tags delegations
// @Accept json
// @Produce json
// @Param request body CreateDelegationRequest true "Delegation window"
// @Success 201 {object} models.ApprovalDelegation
// @Failure 400 {object} map[string]string
// @Router /delegations [post]
func (h *ApprovalHandler) CreateDelegation(c *gin.Context) {
	var req CreateDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delegation := &models.ApprovalDelegation{
		TenantID:    middleware.GetTenantID(c),
		DelegatorID: middleware.GetUserID(c),
		DelegateID:  req.DelegateID,
		WorkflowID:  req.WorkflowID,
		Reason:      req.Reason,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}

	if err := h.service.CreateDelegationWindow(c.Request.Context(), delegation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, delegation)
}
