package seeders

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quote-approval-service/internal/models"
)

// Fixed ids so re-running the seeder upserts instead of duplicating
var (
	highValueWorkflowID    = uuid.MustParse("a1b40000-0000-4000-8000-000000000001")
	deepDiscountWorkflowID = uuid.MustParse("a1b40000-0000-4000-8000-000000000002")
	requestedRuleID        = uuid.MustParse("b2c50000-0000-4000-8000-000000000001")
	escalatedRuleID        = uuid.MustParse("b2c50000-0000-4000-8000-000000000002")
	decisionRuleID         = uuid.MustParse("b2c50000-0000-4000-8000-000000000003")
)

// SeedSystemDefaults installs the system-tenant workflows and notification
// rules every tenant falls back to. Safe to run on every startup.
func SeedSystemDefaults(db *gorm.DB, logger *logrus.Logger) error {
	log := logger.WithField("component", "seeder")

	workflows := []models.ApprovalWorkflow{
		{
			ID:          highValueWorkflowID,
			TenantID:    "system",
			Name:        "High Value Quote Approval",
			Description: "Two-level approval for quotes above 50,000",
			Conditions: datatypes.JSON(`[
				{"type": "amount_threshold", "operator": "gt", "value": 50000, "priority": 10}
			]`),
			Levels: datatypes.JSON(`[
				{"order": 1, "approvalType": "role", "approvers": [{"role": "sales_manager"}], "requiredApprovals": 1, "escalateToRole": "sales_director"},
				{"order": 2, "approvalType": "role", "approvers": [{"role": "finance_manager"}], "requiredApprovals": 1, "escalateToRole": "cfo"}
			]`),
			Settings: datatypes.JSON(`{
				"requireComments": true,
				"allowDelegation": true,
				"reminderIntervalsHours": [12],
				"maxReminders": 1,
				"timeoutHours": 24,
				"escalationChain": ["vp_sales"]
			}`),
			IsActive: true,
			IsSystem: true,
		},
		{
			ID:          deepDiscountWorkflowID,
			TenantID:    "system",
			Name:        "Deep Discount Approval",
			Description: "Single-level approval for discounts above 20%",
			Conditions: datatypes.JSON(`[
				{"type": "discount_percentage", "operator": "gt", "value": 20, "priority": 5}
			]`),
			Levels: datatypes.JSON(`[
				{"order": 1, "approvalType": "role", "approvers": [{"role": "sales_manager"}], "requiredApprovals": 1, "escalateToRole": "sales_director"}
			]`),
			Settings: datatypes.JSON(`{
				"requireComments": true,
				"allowDelegation": true,
				"reminderIntervalsHours": [24],
				"maxReminders": 1,
				"timeoutHours": 48
			}`),
			IsActive: true,
			IsSystem: true,
		},
	}

	for i := range workflows {
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"conditions", "levels", "settings", "updated_at"}),
		}).Create(&workflows[i]).Error
		if err != nil {
			return err
		}
	}

	rules := []models.NotificationRule{
		{
			ID:          requestedRuleID,
			TenantID:    "system",
			Name:        "Approval requested",
			TriggerType: models.TriggerApprovalRequested,
			Channels: datatypes.JSON(`[
				{"type": "email", "enabled": true}
			]`),
			MinIntervalMinutes: 30,
			IsActive:           true,
		},
		{
			ID:          escalatedRuleID,
			TenantID:    "system",
			Name:        "Approval escalated",
			TriggerType: models.TriggerEscalated,
			Channels: datatypes.JSON(`[
				{"type": "email", "enabled": true},
				{"type": "sms", "enabled": true}
			]`),
			MinIntervalMinutes:   30,
			MaxEscalationsPerDay: 20,
			IsActive:             true,
		},
		{
			ID:          decisionRuleID,
			TenantID:    "system",
			Name:        "Chain decided",
			TriggerType: models.TriggerRejected,
			Channels: datatypes.JSON(`[
				{"type": "email", "enabled": true}
			]`),
			MinIntervalMinutes: 30,
			IsActive:           true,
		},
	}

	for i := range rules {
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"channels", "updated_at"}),
		}).Create(&rules[i]).Error
		if err != nil {
			return err
		}
	}

	log.Info("System default workflows and notification rules seeded")
	return nil
}
