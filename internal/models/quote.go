package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Quote represents a sales quote subject to approval
type Quote struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID        string    `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	QuoteNumber     string    `gorm:"type:varchar(50);not null;index" json:"quoteNumber"`
	TotalAmount     float64   `gorm:"not null" json:"totalAmount"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	DiscountPercent float64   `gorm:"default:0" json:"discountPercent"`
	CustomerType    string    `gorm:"type:varchar(50)" json:"customerType,omitempty"` // standard, premium, enterprise
	Department      string    `gorm:"type:varchar(100)" json:"department,omitempty"`
	OwnerID         uuid.UUID `gorm:"type:uuid;not null;index" json:"ownerId"`

	// Approval chain binding. WorkflowID is set exactly once, when the quote
	// is submitted and a workflow matches; approval-relevant fields are frozen
	// from that point until an explicit resubmission.
	ApprovalStatus     string         `gorm:"type:varchar(30);not null;default:'draft';index" json:"approvalStatus"`
	WorkflowID         *uuid.UUID     `gorm:"type:uuid;index" json:"workflowId,omitempty"`
	ChainBoundAt       *time.Time     `json:"chainBoundAt,omitempty"`
	CompletedApprovers pq.StringArray `gorm:"type:uuid[]" json:"completedApprovers"`

	Notes     string    `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for Quote
func (Quote) TableName() string {
	return "quotes"
}

// Quote approval status constants (chain aggregate states)
const (
	QuoteStatusDraft       = "draft"
	QuoteStatusNotRequired = "not_required"
	QuoteStatusPending     = "pending"
	QuoteStatusApproved    = "approved"
	QuoteStatusRejected    = "rejected"
	QuoteStatusExpired     = "expired"
)

// IsBound returns true once an approval chain has been instantiated for the quote
func (q *Quote) IsBound() bool {
	return q.WorkflowID != nil && q.ChainBoundAt != nil
}

// IsTerminal returns true if the quote's approval lifecycle has completed
func (q *Quote) IsTerminal() bool {
	return q.ApprovalStatus == QuoteStatusApproved ||
		q.ApprovalStatus == QuoteStatusRejected ||
		q.ApprovalStatus == QuoteStatusExpired
}
