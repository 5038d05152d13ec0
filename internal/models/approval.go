package models

import (
	"time"

	"github.com/google/uuid"
)

// QuoteApproval is a runtime approval instance: one per approver per level
// activation. Terminal once it leaves pending; escalation and delegation
// terminalize the instance and spawn a successor carrying the same level.
type QuoteApproval struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID   string    `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	QuoteID    uuid.UUID `gorm:"type:uuid;not null;index" json:"quoteId"`
	WorkflowID uuid.UUID `gorm:"type:uuid;not null;index" json:"workflowId"`
	LevelOrder int       `gorm:"not null;index" json:"levelOrder"`
	LevelIndex int       `gorm:"not null;default:0" json:"levelIndex"` // position of the level definition in the workflow
	Status     string    `gorm:"type:varchar(30);not null;default:'pending';index" json:"status"`
	Version    int       `gorm:"not null;default:1" json:"version"` // Optimistic locking

	ApproverID   string `gorm:"type:varchar(255);not null;index" json:"approverId"`
	ApproverRole string `gorm:"type:varchar(100)" json:"approverRole,omitempty"`

	RequestedAt time.Time  `gorm:"not null" json:"requestedAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	Comments    string     `gorm:"type:text" json:"comments,omitempty"`

	// Reminder / escalation tracking
	ReminderCount   int        `gorm:"default:0" json:"reminderCount"`
	LastReminderAt  *time.Time `json:"lastReminderAt,omitempty"`
	EscalationLevel int        `gorm:"default:0" json:"escalationLevel"` // position in the escalation chain
	EscalatedToID   *uuid.UUID `gorm:"type:uuid" json:"escalatedToId,omitempty"`
	DelegatedToID   *uuid.UUID `gorm:"type:uuid" json:"delegatedToId,omitempty"`
	CancelReason    string     `gorm:"type:varchar(50)" json:"cancelReason,omitempty"`

	// Set when approver resolution failed during escalation; the chain stalls
	// here until an operator intervenes.
	ResolutionStalled bool `gorm:"default:false" json:"resolutionStalled"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for QuoteApproval
func (QuoteApproval) TableName() string {
	return "quote_approvals"
}

// Approval status constants
const (
	ApprovalStatusPending   = "pending"
	ApprovalStatusApproved  = "approved"
	ApprovalStatusRejected  = "rejected"
	ApprovalStatusEscalated = "escalated"
	ApprovalStatusDelegated = "delegated"
	ApprovalStatusExpired   = "expired"
)

// Cancel reasons recorded when a pending approval is terminated without a
// decision from its approver
const (
	CancelReasonChainRejected  = "chain_rejected"
	CancelReasonResubmitted    = "resubmitted"
	CancelReasonTimeout        = "timeout"
	CancelReasonLevelSatisfied = "level_satisfied"
)

// Decision values accepted by Respond
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// IsTerminal returns true if the approval instance can no longer change state
func (a *QuoteApproval) IsTerminal() bool {
	return a.Status != ApprovalStatusPending
}
