package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// NotificationRule maps approval lifecycle events to delivery channels and
// recipients, with dedup and rate-limit configuration.
type NotificationRule struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID    string         `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	Name        string         `gorm:"type:varchar(100);not null" json:"name"`
	TriggerType string         `gorm:"type:varchar(50);not null;index" json:"triggerType"`
	Conditions  datatypes.JSON `gorm:"type:jsonb" json:"conditions,omitempty"` // []TriggerCondition filters on the quote
	Channels    datatypes.JSON `gorm:"type:jsonb;not null" json:"channels"`    // []NotificationChannel

	// Dedup and rate limiting
	MinIntervalMinutes   int `gorm:"default:30" json:"minIntervalMinutes"`
	MaxPerHour           int `gorm:"default:0" json:"maxPerHour"`           // 0 = unlimited
	MaxEscalationsPerDay int `gorm:"default:0" json:"maxEscalationsPerDay"` // 0 = unlimited

	IsActive  bool      `gorm:"default:true" json:"isActive"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for NotificationRule
func (NotificationRule) TableName() string {
	return "notification_rules"
}

// Notification trigger types mirror audit actions for lifecycle events
const (
	TriggerApprovalRequested = "approval_requested"
	TriggerReminder          = "reminder"
	TriggerEscalated         = "escalated"
	TriggerApproved          = "approved"
	TriggerRejected          = "rejected"
	TriggerExpired           = "expired"
	TriggerDelegated         = "delegated"
)

// Channel types
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// NotificationChannel is one delivery channel of a rule. Recipients are
// either listed directly or resolved from Role through the directory service.
type NotificationChannel struct {
	Type       string   `json:"type"`
	Recipients []string `json:"recipients,omitempty"`
	Role       string   `json:"role,omitempty"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
	Enabled    bool     `json:"enabled"`
}

// NotificationLog is one row per attempted delivery
type NotificationLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID   string     `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	RuleID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"ruleId"`
	QuoteID    uuid.UUID  `gorm:"type:uuid;index" json:"quoteId"`
	ApprovalID *uuid.UUID `gorm:"type:uuid;index" json:"approvalId,omitempty"`
	EventType  string     `gorm:"type:varchar(50);not null" json:"eventType"`
	Channel    string     `gorm:"type:varchar(20);not null" json:"channel"`
	Recipient  string     `gorm:"type:varchar(255);not null" json:"recipient"`
	Status     string     `gorm:"type:varchar(20);not null;index" json:"status"`
	Attempts   int        `gorm:"default:0" json:"attempts"`
	LastError  string     `gorm:"type:text" json:"lastError,omitempty"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for NotificationLog
func (NotificationLog) TableName() string {
	return "notification_logs"
}

// Delivery status constants
const (
	DeliveryStatusSent         = "sent"
	DeliveryStatusDelivered    = "delivered"
	DeliveryStatusFailed       = "failed"
	DeliveryStatusAcknowledged = "acknowledged"
	DeliveryStatusDeferred     = "deferred"
)

// MaxDeliveryAttempts bounds retries for failed deliveries; after this the
// row stays failed and a standing alert is raised instead of retrying forever.
const MaxDeliveryAttempts = 3
