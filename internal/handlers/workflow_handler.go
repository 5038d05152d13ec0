package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"quote-approval-service/internal/middleware"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/repository"
	"quote-approval-service/internal/services"
)

// WorkflowHandler handles workflow and notification rule administration
type WorkflowHandler struct {
	service          *services.ApprovalService
	notificationRepo repository.NotificationRepositoryInterface
	logger           *logrus.Entry
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(
	service *services.ApprovalService,
	notificationRepo repository.NotificationRepositoryInterface,
	logger *logrus.Logger,
) *WorkflowHandler {
	return &WorkflowHandler{
		service:          service,
		notificationRepo: notificationRepo,
		logger:           logger.WithField("component", "workflow_handler"),
	}
}

// WorkflowRequest is the payload for creating or updating a workflow
type WorkflowRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	Conditions  datatypes.JSON `json:"conditions" binding:"required"`
	Levels      datatypes.JSON `json:"levels" binding:"required"`
	Settings    datatypes.JSON `json:"settings"`
	IsActive    *bool          `json:"isActive"`
}

// ListWorkflows godoc
// @Summary List active workflows
// @Tags workflows
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /workflows [get]
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	workflows, err := h.service.ListWorkflows(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list workflows")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "count": len(workflows)})
}

// GetWorkflow godoc
// @Summary Get a workflow
// @Tags workflows
// @Produce json
// @Param id path string true "Workflow ID"
// @Success 200 {object} models.ApprovalWorkflow
// @Failure 404 {object} map[string]string
// @Router /workflows/{id} [get]
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	workflow, err := h.service.GetWorkflow(c.Request.Context(), workflowID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, workflow)
}

// CreateWorkflow godoc
// @Summary Create a workflow
// @Tags workflows
// @Accept json
// @Produce json
// @Param request body WorkflowRequest true "Workflow definition"
// @Success 201 {object} models.ApprovalWorkflow
// @Failure 400 {object} map[string]string
// @Router /workflows [post]
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	workflow := &models.ApprovalWorkflow{
		TenantID:    middleware.GetTenantID(c),
		Name:        req.Name,
		Description: req.Description,
		Conditions:  req.Conditions,
		Levels:      req.Levels,
		Settings:    req.Settings,
		IsActive:    true,
	}
	if req.IsActive != nil {
		workflow.IsActive = *req.IsActive
	}

	if err := h.service.CreateWorkflow(c.Request.Context(), workflow); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, workflow)
}

// UpdateWorkflow godoc
// @Summary Update a workflow
// @Description Updates the workflow in place when no quotes are bound; otherwise deactivates it and creates a successor version
// @Tags workflows
// @Accept json
// @Produce json
// @Param id path string true "Workflow ID"
// @Param request body WorkflowRequest true "Workflow definition"
// @Success 200 {object} models.ApprovalWorkflow
// @Failure 404 {object} map[string]string
// @Router /workflows/{id} [put]
func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated := &models.ApprovalWorkflow{
		Description: req.Description,
		Conditions:  req.Conditions,
		Levels:      req.Levels,
		Settings:    req.Settings,
		IsActive:    true,
	}
	if req.IsActive != nil {
		updated.IsActive = *req.IsActive
	}

	workflow, err := h.service.UpdateWorkflow(c.Request.Context(), workflowID, updated)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, workflow)
}

// NotificationRuleRequest is the payload for creating a notification rule
type NotificationRuleRequest struct {
	Name                 string         `json:"name" binding:"required"`
	TriggerType          string         `json:"triggerType" binding:"required"`
	Conditions           datatypes.JSON `json:"conditions"`
	Channels             datatypes.JSON `json:"channels" binding:"required"`
	MinIntervalMinutes   int            `json:"minIntervalMinutes"`
	MaxPerHour           int            `json:"maxPerHour"`
	MaxEscalationsPerDay int            `json:"maxEscalationsPerDay"`
}

// ListNotificationRules godoc
// @Summary List notification rules
// @Tags notifications
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /notification-rules [get]
func (h *WorkflowHandler) ListNotificationRules(c *gin.Context) {
	rules, err := h.notificationRepo.ListRules(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list notification rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// CreateNotificationRule godoc
// @Summary Create a notification rule
// @Tags notifications
// @Accept json
// @Produce json
// @Param request body NotificationRuleRequest true "Rule definition"
// @Success 201 {object} models.NotificationRule
// @Failure 400 {object} map[string]string
// @Router /notification-rules [post]
func (h *WorkflowHandler) CreateNotificationRule(c *gin.Context) {
	var req NotificationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &models.NotificationRule{
		TenantID:             middleware.GetTenantID(c),
		Name:                 req.Name,
		TriggerType:          req.TriggerType,
		Conditions:           req.Conditions,
		Channels:             req.Channels,
		MinIntervalMinutes:   req.MinIntervalMinutes,
		MaxPerHour:           req.MaxPerHour,
		MaxEscalationsPerDay: req.MaxEscalationsPerDay,
		IsActive:             true,
	}

	if err := h.notificationRepo.CreateRule(c.Request.Context(), rule); err != nil {
		h.logger.WithError(err).Error("Failed to create notification rule")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// NotificationStats godoc
// @Summary Notification delivery stats
// @Description Returns delivery counts by status, including deferred and failed deliveries awaiting retry
// @Tags notifications
// @Produce json
// @Success 200 {object} map[string]int64
// @Router /notifications/stats [get]
func (h *WorkflowHandler) NotificationStats(c *gin.Context) {
	stats, err := h.notificationRepo.Stats(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		h.logger.WithError(err).Error("Failed to load notification stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
