package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalDelegation is a standing delegation window: while valid, pending
// approvals addressed to the delegator are handed to the delegate instead.
type ApprovalDelegation struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID    string     `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	DelegatorID string     `gorm:"type:varchar(255);not null;index" json:"delegatorId"`
	DelegateID  string     `gorm:"type:varchar(255);not null;index" json:"delegateId"`
	WorkflowID  *uuid.UUID `gorm:"type:uuid;index" json:"workflowId,omitempty"` // null = all workflows
	Reason      string     `gorm:"type:text" json:"reason,omitempty"`
	StartDate   time.Time  `gorm:"not null" json:"startDate"`
	EndDate     time.Time  `gorm:"not null" json:"endDate"`
	IsActive    bool       `gorm:"default:true" json:"isActive"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for ApprovalDelegation
func (ApprovalDelegation) TableName() string {
	return "approval_delegations"
}

// IsValidAt checks if the delegation covers the given instant
func (d *ApprovalDelegation) IsValidAt(t time.Time) bool {
	return d.IsActive &&
		d.RevokedAt == nil &&
		t.After(d.StartDate) &&
		t.Before(d.EndDate)
}
