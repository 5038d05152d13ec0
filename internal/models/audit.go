package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalAuditLog is an append-only record of one state transition. Rows
// are never updated or deleted; the repository exposes no write path other
// than create.
type ApprovalAuditLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID       string     `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	QuoteID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"quoteId"`
	ApprovalID     *uuid.UUID `gorm:"type:uuid;index" json:"approvalId,omitempty"`
	Action         string     `gorm:"type:varchar(50);not null;index" json:"action"`
	ActorID        string     `gorm:"type:varchar(255)" json:"actorId,omitempty"`
	ActorRole      string     `gorm:"type:varchar(100)" json:"actorRole,omitempty"`
	PreviousStatus string     `gorm:"type:varchar(30)" json:"previousStatus,omitempty"`
	NewStatus      string     `gorm:"type:varchar(30)" json:"newStatus,omitempty"`
	Comments       string     `gorm:"type:text" json:"comments,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"createdAt"`
}

// TableName returns the table name for ApprovalAuditLog
func (ApprovalAuditLog) TableName() string {
	return "approval_audit_logs"
}

// Audit action constants
const (
	AuditActionRequested       = "requested"
	AuditActionReminder        = "reminder"
	AuditActionApproved        = "approved"
	AuditActionRejected        = "rejected"
	AuditActionEscalated       = "escalated"
	AuditActionDelegated       = "delegated"
	AuditActionExpired         = "expired"
	AuditActionChainApproved   = "chain_approved"
	AuditActionChainRejected   = "chain_rejected"
	AuditActionNotRequired     = "not_required"
	AuditActionResubmitted     = "resubmitted"
	AuditActionResolutionStall = "resolution_stalled"
)
