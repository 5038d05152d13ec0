package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"quote-approval-service/internal/models"
)

// NotificationRepositoryInterface abstracts notification rule and delivery
// log persistence for the dispatcher
type NotificationRepositoryInterface interface {
	ListActiveRules(ctx context.Context, tenantID, triggerType string) ([]models.NotificationRule, error)
	ListRules(ctx context.Context, tenantID string) ([]models.NotificationRule, error)
	CreateRule(ctx context.Context, rule *models.NotificationRule) error
	GetRuleByID(ctx context.Context, id uuid.UUID) (*models.NotificationRule, error)
	CreateLog(ctx context.Context, log *models.NotificationLog) error
	UpdateLog(ctx context.Context, log *models.NotificationLog) error
	FindDeferred(ctx context.Context, limit int) ([]models.NotificationLog, error)
	FindFailedRetryable(ctx context.Context, limit int) ([]models.NotificationLog, error)
	Stats(ctx context.Context, tenantID string) (map[string]int64, error)
}

// NotificationRepository handles database operations for notifications
type NotificationRepository struct {
	db *gorm.DB
}

var _ NotificationRepositoryInterface = (*NotificationRepository)(nil)

// NewNotificationRepository creates a new NotificationRepository
func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// ListActiveRules retrieves active rules for a trigger type, including
// 'system' fallback rules
func (r *NotificationRepository) ListActiveRules(ctx context.Context, tenantID, triggerType string) ([]models.NotificationRule, error) {
	var rules []models.NotificationRule
	err := r.db.WithContext(ctx).
		Where("(tenant_id = ? OR tenant_id = 'system') AND trigger_type = ? AND is_active = true", tenantID, triggerType).
		Find(&rules).Error
	return rules, err
}

// ListRules retrieves all rules for a tenant
func (r *NotificationRepository) ListRules(ctx context.Context, tenantID string) ([]models.NotificationRule, error) {
	var rules []models.NotificationRule
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? OR tenant_id = 'system'", tenantID).
		Order("created_at DESC").
		Find(&rules).Error
	return rules, err
}

// CreateRule creates a new notification rule
func (r *NotificationRepository) CreateRule(ctx context.Context, rule *models.NotificationRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

// GetRuleByID retrieves a single rule; retries need the rule's rate limits
func (r *NotificationRepository) GetRuleByID(ctx context.Context, id uuid.UUID) (*models.NotificationRule, error) {
	var rule models.NotificationRule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// CreateLog records a delivery attempt
func (r *NotificationRepository) CreateLog(ctx context.Context, log *models.NotificationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// UpdateLog persists delivery status changes
func (r *NotificationRepository) UpdateLog(ctx context.Context, log *models.NotificationLog) error {
	result := r.db.WithContext(ctx).Model(log).
		Select("status", "attempts", "last_error", "sent_at", "updated_at").
		Updates(log)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDeferred retrieves deliveries held back by rate limiting, oldest first
func (r *NotificationRepository) FindDeferred(ctx context.Context, limit int) ([]models.NotificationLog, error) {
	var logs []models.NotificationLog
	err := r.db.WithContext(ctx).
		Where("status = ?", models.DeliveryStatusDeferred).
		Order("created_at ASC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// FindFailedRetryable retrieves failed deliveries still under the attempt bound
func (r *NotificationRepository) FindFailedRetryable(ctx context.Context, limit int) ([]models.NotificationLog, error) {
	var logs []models.NotificationLog
	err := r.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.DeliveryStatusFailed, models.MaxDeliveryAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// Stats returns delivery counts grouped by status for the observability
// endpoint
func (r *NotificationRepository) Stats(ctx context.Context, tenantID string) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.NotificationLog{}).
		Select("status, count(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}
