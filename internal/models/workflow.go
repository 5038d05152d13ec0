package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalWorkflow defines an immutable approval chain template. Once any
// quote is bound to a workflow, the template is never mutated; edits create
// a new workflow version instead.
type ApprovalWorkflow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID    string         `gorm:"type:varchar(255);not null;index" json:"tenantId"`
	Name        string         `gorm:"type:varchar(100);not null" json:"name"`
	Description string         `gorm:"type:text" json:"description,omitempty"`
	Conditions  datatypes.JSON `gorm:"type:jsonb;not null" json:"conditions"` // []TriggerCondition
	Levels      datatypes.JSON `gorm:"type:jsonb;not null" json:"levels"`     // []ApprovalLevel
	Settings    datatypes.JSON `gorm:"type:jsonb" json:"settings,omitempty"`  // WorkflowSettings
	IsActive    bool           `gorm:"default:true" json:"isActive"`
	IsSystem    bool           `gorm:"default:false" json:"isSystem"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName returns the table name for ApprovalWorkflow
func (ApprovalWorkflow) TableName() string {
	return "approval_workflows"
}

// Trigger condition types. The evaluator handles exactly these; anything
// else fails closed (non-match).
const (
	ConditionAmountThreshold    = "amount_threshold"
	ConditionDiscountPercentage = "discount_percentage"
	ConditionCustomerType       = "customer_type"
	ConditionDepartment         = "department"
)

// Condition operators
const (
	OperatorGreaterThan = "gt"
	OperatorLessThan    = "lt"
	OperatorBetween     = "between"
	OperatorEquals      = "eq"
)

// TriggerCondition is one predicate of a workflow trigger. Conditions within
// a workflow are AND-combined. Numeric condition types compare Value (and
// SecondaryValue for between); string types compare StringValue.
type TriggerCondition struct {
	Type           string   `json:"type"`
	Operator       string   `json:"operator"`
	Value          float64  `json:"value,omitempty"`
	SecondaryValue *float64 `json:"secondaryValue,omitempty"`
	StringValue    string   `json:"stringValue,omitempty"`
	Priority       int      `json:"priority"`
}

// Approval level types
const (
	LevelTypeRole             = "role"
	LevelTypeUser             = "user"
	LevelTypeDepartment       = "department"
	LevelTypeManagerHierarchy = "manager_hierarchy"
	LevelTypeAmountBased      = "amount_based"
)

// Approver is one candidate approver within a level
type Approver struct {
	ApproverID     string   `json:"approverId,omitempty"` // user id, role name or department name depending on level type
	Role           string   `json:"role,omitempty"`
	Department     string   `json:"department,omitempty"`
	MaxAmount      *float64 `json:"maxAmount,omitempty"` // cap for amount_based levels
	HierarchyLevel int      `json:"hierarchyLevel,omitempty"`
}

// ApprovalLevel is one stage of an approval chain. RequiredApprovals is the
// N of N-of-M; a level completes once that many candidates have approved.
// Index is the level's position in the sorted definition list; two levels may
// share an Order (they activate together) but never an Index, so quorum
// accounting always keys on Index.
type ApprovalLevel struct {
	Index             int        `json:"-"`
	Order             int        `json:"order"`
	ApprovalType      string     `json:"approvalType"`
	Approvers         []Approver `json:"approvers"`
	RequiredApprovals int        `json:"requiredApprovals"`
	TimeoutHours      int        `json:"timeoutHours,omitempty"` // overrides workflow default when > 0
	Parallel          bool       `json:"parallel"`
	EscalateToRole    string     `json:"escalateToRole,omitempty"`
}

// WorkflowSettings holds chain-wide behavior knobs
type WorkflowSettings struct {
	ParallelApproval       bool      `json:"parallelApproval"`
	RequireComments        bool      `json:"requireComments"` // comments mandatory on rejection
	AllowDelegation        bool      `json:"allowDelegation"`
	ReminderIntervalsHours []float64 `json:"reminderIntervalsHours,omitempty"` // cumulative from request time
	MaxReminders           int       `json:"maxReminders"`
	EscalateOnMaxReminders bool      `json:"escalateOnMaxReminders"`
	TimeoutHours           int       `json:"timeoutHours"`
	BusinessHoursOnly      bool      `json:"businessHoursOnly"`
	ExcludeWeekends        bool      `json:"excludeWeekends"`
	UrgencyMultiplier      float64   `json:"urgencyMultiplier,omitempty"` // >1 shortens all deadlines
	EscalationChain        []string  `json:"escalationChain,omitempty"`   // roles to walk through on timeout
}

// AggregatePriority sums condition priorities; the workflow selector picks
// the matching workflow with the highest aggregate.
func AggregatePriority(conditions []TriggerCondition) int {
	total := 0
	for _, c := range conditions {
		total += c.Priority
	}
	return total
}

// ParseConditions decodes the workflow's trigger conditions
func (w *ApprovalWorkflow) ParseConditions() ([]TriggerCondition, error) {
	if len(w.Conditions) == 0 {
		return nil, nil
	}
	var conditions []TriggerCondition
	if err := json.Unmarshal(w.Conditions, &conditions); err != nil {
		return nil, err
	}
	return conditions, nil
}

// ParseLevels decodes the workflow's level definitions, sorted by order
func (w *ApprovalWorkflow) ParseLevels() ([]ApprovalLevel, error) {
	var levels []ApprovalLevel
	if err := json.Unmarshal(w.Levels, &levels); err != nil {
		return nil, err
	}
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Order < levels[j].Order
	})
	for i := range levels {
		levels[i].Index = i
	}
	return levels, nil
}

// ParseSettings decodes the workflow settings, applying defaults for
// anything unset
func (w *ApprovalWorkflow) ParseSettings() (WorkflowSettings, error) {
	settings := WorkflowSettings{
		TimeoutHours: 72,
	}
	if len(w.Settings) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(w.Settings, &settings); err != nil {
		return settings, err
	}
	if settings.TimeoutHours <= 0 {
		settings.TimeoutHours = 72
	}
	return settings, nil
}

// EffectiveMultiplier returns the urgency multiplier, defaulting to 1
func (s WorkflowSettings) EffectiveMultiplier() float64 {
	if s.UrgencyMultiplier > 1 {
		return s.UrgencyMultiplier
	}
	return 1
}
