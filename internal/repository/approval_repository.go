package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"quote-approval-service/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict - record was modified by another request")
)

// ApprovalRepositoryInterface abstracts persistence so services can be
// tested with mocks. It is the engine's only storage boundary.
type ApprovalRepositoryInterface interface {
	// Workflows
	ListActiveWorkflows(ctx context.Context, tenantID string) ([]models.ApprovalWorkflow, error)
	GetWorkflowByID(ctx context.Context, workflowID uuid.UUID) (*models.ApprovalWorkflow, error)
	CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error
	UpdateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error
	CountBoundQuotes(ctx context.Context, workflowID uuid.UUID) (int64, error)

	// Quotes
	CreateQuote(ctx context.Context, quote *models.Quote) error
	GetQuoteByID(ctx context.Context, id uuid.UUID) (*models.Quote, error)
	UpdateQuote(ctx context.Context, quote *models.Quote) error
	UpdateQuoteApprovalStatus(ctx context.Context, quote *models.Quote, newStatus string) error

	// Approval instances
	CreateApproval(ctx context.Context, approval *models.QuoteApproval) error
	GetApprovalByID(ctx context.Context, id uuid.UUID) (*models.QuoteApproval, error)
	ListApprovalsByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.QuoteApproval, error)
	FindPendingApprovals(ctx context.Context) ([]models.QuoteApproval, error)
	ListPendingForApprover(ctx context.Context, tenantID, approverID string, limit, offset int) ([]models.QuoteApproval, int64, error)
	UpdateApprovalStatus(ctx context.Context, approval *models.QuoteApproval, newStatus string) error
	IncrementReminderCount(ctx context.Context, approvalID uuid.UUID, expectedCount int, at time.Time) (bool, error)
	CancelPendingApprovals(ctx context.Context, quoteID uuid.UUID, reason string, exclude *uuid.UUID) ([]models.QuoteApproval, error)
	MarkResolutionStalled(ctx context.Context, approvalID uuid.UUID) error

	// Audit
	CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error
	GetQuoteHistory(ctx context.Context, quoteID uuid.UUID) ([]models.ApprovalAuditLog, error)

	// Delegations
	CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error
	FindActiveDelegations(ctx context.Context, tenantID, delegatorID string, workflowID *uuid.UUID) ([]models.ApprovalDelegation, error)

	WithTransaction(ctx context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error
}

// ApprovalRepository handles database operations for the approval engine
type ApprovalRepository struct {
	db *gorm.DB
}

var _ ApprovalRepositoryInterface = (*ApprovalRepository)(nil)

// NewApprovalRepository creates a new ApprovalRepository
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// --- Workflow Methods ---

// ListActiveWorkflows retrieves active workflows for a tenant, including
// 'system' fallback workflows. Ordering is deterministic so the selector's
// tie-break is stable: newest first, then id.
func (r *ApprovalRepository) ListActiveWorkflows(ctx context.Context, tenantID string) ([]models.ApprovalWorkflow, error) {
	var workflows []models.ApprovalWorkflow
	err := r.db.WithContext(ctx).
		Where("(tenant_id = ? OR tenant_id = 'system') AND is_active = true", tenantID).
		Order("created_at DESC, id DESC").
		Find(&workflows).Error
	return workflows, err
}

// GetWorkflowByID retrieves a workflow by ID
func (r *ApprovalRepository) GetWorkflowByID(ctx context.Context, workflowID uuid.UUID) (*models.ApprovalWorkflow, error) {
	var workflow models.ApprovalWorkflow
	err := r.db.WithContext(ctx).
		Where("id = ?", workflowID).
		First(&workflow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &workflow, nil
}

// CreateWorkflow creates a new workflow
func (r *ApprovalRepository) CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	return r.db.WithContext(ctx).Create(workflow).Error
}

// UpdateWorkflow updates a workflow's configuration
func (r *ApprovalRepository) UpdateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	result := r.db.WithContext(ctx).
		Model(workflow).
		Select("description", "conditions", "levels", "settings", "is_active", "updated_at").
		Updates(workflow)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBoundQuotes counts quotes bound to a workflow. A non-zero count makes
// the workflow template immutable.
func (r *ApprovalRepository) CountBoundQuotes(ctx context.Context, workflowID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Quote{}).
		Where("workflow_id = ?", workflowID).
		Count(&count).Error
	return count, err
}

// --- Quote Methods ---

// CreateQuote creates a new quote
func (r *ApprovalRepository) CreateQuote(ctx context.Context, quote *models.Quote) error {
	return r.db.WithContext(ctx).Create(quote).Error
}

// GetQuoteByID retrieves a quote by ID
func (r *ApprovalRepository) GetQuoteByID(ctx context.Context, id uuid.UUID) (*models.Quote, error) {
	var quote models.Quote
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&quote).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &quote, nil
}

// UpdateQuote persists quote field changes
func (r *ApprovalRepository) UpdateQuote(ctx context.Context, quote *models.Quote) error {
	return r.db.WithContext(ctx).Save(quote).Error
}

// UpdateQuoteApprovalStatus updates the quote's aggregate approval status
func (r *ApprovalRepository) UpdateQuoteApprovalStatus(ctx context.Context, quote *models.Quote, newStatus string) error {
	result := r.db.WithContext(ctx).Model(quote).
		Where("id = ?", quote.ID).
		Updates(map[string]interface{}{
			"approval_status":     newStatus,
			"completed_approvers": quote.CompletedApprovers,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	quote.ApprovalStatus = newStatus
	return nil
}

// --- Approval Methods ---

// CreateApproval creates a new approval instance
func (r *ApprovalRepository) CreateApproval(ctx context.Context, approval *models.QuoteApproval) error {
	return r.db.WithContext(ctx).Create(approval).Error
}

// GetApprovalByID retrieves an approval by ID
func (r *ApprovalRepository) GetApprovalByID(ctx context.Context, id uuid.UUID) (*models.QuoteApproval, error) {
	var approval models.QuoteApproval
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&approval).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &approval, nil
}

// ListApprovalsByQuote retrieves all approval instances for a quote in
// level order
func (r *ApprovalRepository) ListApprovalsByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.QuoteApproval, error) {
	var approvals []models.QuoteApproval
	err := r.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("level_order ASC, created_at ASC").
		Find(&approvals).Error
	return approvals, err
}

// FindPendingApprovals retrieves every pending approval across tenants for a
// scheduler tick
func (r *ApprovalRepository) FindPendingApprovals(ctx context.Context) ([]models.QuoteApproval, error) {
	var approvals []models.QuoteApproval
	err := r.db.WithContext(ctx).
		Where("status = ? AND resolution_stalled = false", models.ApprovalStatusPending).
		Order("requested_at ASC").
		Find(&approvals).Error
	return approvals, err
}

// ListPendingForApprover retrieves an approver's worklist
func (r *ApprovalRepository) ListPendingForApprover(ctx context.Context, tenantID, approverID string, limit, offset int) ([]models.QuoteApproval, int64, error) {
	var approvals []models.QuoteApproval
	var total int64

	query := r.db.WithContext(ctx).Model(&models.QuoteApproval{}).
		Where("tenant_id = ? AND approver_id = ? AND status = ?", tenantID, approverID, models.ApprovalStatusPending)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("requested_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&approvals).Error

	return approvals, total, err
}

// UpdateApprovalStatus updates approval status with optimistic locking. The
// version check serializes concurrent transitions on the same approval: a
// reminder fire and a human response cannot both win.
func (r *ApprovalRepository) UpdateApprovalStatus(ctx context.Context, approval *models.QuoteApproval, newStatus string) error {
	oldVersion := approval.Version

	updates := map[string]interface{}{
		"status":     newStatus,
		"version":    oldVersion + 1,
		"updated_at": time.Now(),
	}
	if approval.RespondedAt != nil {
		updates["responded_at"] = approval.RespondedAt
	}
	if approval.Comments != "" {
		updates["comments"] = approval.Comments
	}
	if approval.EscalatedToID != nil {
		updates["escalated_to_id"] = approval.EscalatedToID
	}
	if approval.DelegatedToID != nil {
		updates["delegated_to_id"] = approval.DelegatedToID
	}
	if approval.CancelReason != "" {
		updates["cancel_reason"] = approval.CancelReason
	}

	result := r.db.WithContext(ctx).Model(&models.QuoteApproval{}).
		Where("id = ? AND version = ? AND status = ?", approval.ID, oldVersion, models.ApprovalStatusPending).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}

	approval.Status = newStatus
	approval.Version = oldVersion + 1
	return nil
}

// IncrementReminderCount bumps the reminder counter only if it still holds
// the expected value. Returns false when another tick got there first, which
// keeps reminder fires idempotent without locks.
func (r *ApprovalRepository) IncrementReminderCount(ctx context.Context, approvalID uuid.UUID, expectedCount int, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.QuoteApproval{}).
		Where("id = ? AND status = ? AND reminder_count = ?", approvalID, models.ApprovalStatusPending, expectedCount).
		Updates(map[string]interface{}{
			"reminder_count":   expectedCount + 1,
			"last_reminder_at": at,
			"updated_at":       time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CancelPendingApprovals terminates every still-pending approval of a quote
// with the given reason, optionally excluding one instance (the approval
// whose rejection triggered the cancellation). Returns the cancelled rows so
// callers can audit each transition.
func (r *ApprovalRepository) CancelPendingApprovals(ctx context.Context, quoteID uuid.UUID, reason string, exclude *uuid.UUID) ([]models.QuoteApproval, error) {
	var pending []models.QuoteApproval

	query := r.db.WithContext(ctx).
		Where("quote_id = ? AND status = ?", quoteID, models.ApprovalStatusPending)
	if exclude != nil {
		query = query.Where("id <> ?", *exclude)
	}
	if err := query.Find(&pending).Error; err != nil {
		return nil, err
	}

	cancelled := make([]models.QuoteApproval, 0, len(pending))
	for i := range pending {
		a := &pending[i]
		result := r.db.WithContext(ctx).Model(&models.QuoteApproval{}).
			Where("id = ? AND version = ? AND status = ?", a.ID, a.Version, models.ApprovalStatusPending).
			Updates(map[string]interface{}{
				"status":        models.ApprovalStatusExpired,
				"cancel_reason": reason,
				"version":       a.Version + 1,
				"updated_at":    time.Now(),
			})
		if result.Error != nil {
			return cancelled, result.Error
		}
		if result.RowsAffected == 0 {
			// Raced with a concurrent transition; skip, the other writer audited it.
			continue
		}
		a.Status = models.ApprovalStatusExpired
		a.CancelReason = reason
		a.Version++
		cancelled = append(cancelled, *a)
	}
	return cancelled, nil
}

// MarkResolutionStalled flags an approval whose escalation target could not
// be resolved
func (r *ApprovalRepository) MarkResolutionStalled(ctx context.Context, approvalID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&models.QuoteApproval{}).
		Where("id = ? AND status = ?", approvalID, models.ApprovalStatusPending).
		Updates(map[string]interface{}{
			"resolution_stalled": true,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit Methods ---

// CreateAuditLog creates an audit log entry. Audit rows are append-only; no
// update or delete method exists.
func (r *ApprovalRepository) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// GetQuoteHistory retrieves the chronological audit trail for a quote
func (r *ApprovalRepository) GetQuoteHistory(ctx context.Context, quoteID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	var logs []models.ApprovalAuditLog
	err := r.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

// --- Delegation Methods ---

// CreateDelegation creates a new delegation record
func (r *ApprovalRepository) CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error {
	return r.db.WithContext(ctx).Create(delegation).Error
}

// FindActiveDelegations finds current delegations created by a delegator,
// optionally scoped to one workflow
func (r *ApprovalRepository) FindActiveDelegations(ctx context.Context, tenantID, delegatorID string, workflowID *uuid.UUID) ([]models.ApprovalDelegation, error) {
	var delegations []models.ApprovalDelegation
	now := time.Now()

	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND delegator_id = ? AND is_active = ?", tenantID, delegatorID, true).
		Where("start_date <= ? AND end_date > ?", now, now).
		Where("revoked_at IS NULL")

	if workflowID != nil {
		query = query.Where("workflow_id = ? OR workflow_id IS NULL", *workflowID)
	}

	err := query.Find(&delegations).Error
	return delegations, err
}

// WithTransaction executes fn within a database transaction
func (r *ApprovalRepository) WithTransaction(ctx context.Context, fn func(txRepo ApprovalRepositoryInterface) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ApprovalRepository{db: tx})
	})
}
