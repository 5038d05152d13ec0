package services

import (
	"quote-approval-service/internal/models"
)

// EvaluateConditions reports whether a quote satisfies every condition in the
// set. An empty set matches unconditionally. Unknown condition types or
// operators never match, so misconfigured workflows fail closed instead of
// capturing quotes they were not written for.
func EvaluateConditions(quote *models.Quote, conditions []models.TriggerCondition) bool {
	for _, condition := range conditions {
		if !evaluateCondition(quote, condition) {
			return false
		}
	}
	return true
}

func evaluateCondition(quote *models.Quote, c models.TriggerCondition) bool {
	switch c.Type {
	case models.ConditionAmountThreshold:
		return compareNumeric(quote.TotalAmount, c)
	case models.ConditionDiscountPercentage:
		return compareNumeric(quote.DiscountPercent, c)
	case models.ConditionCustomerType:
		return c.Operator == models.OperatorEquals && quote.CustomerType == c.StringValue
	case models.ConditionDepartment:
		return c.Operator == models.OperatorEquals && quote.Department == c.StringValue
	default:
		return false
	}
}

func compareNumeric(value float64, c models.TriggerCondition) bool {
	switch c.Operator {
	case models.OperatorGreaterThan:
		return value > c.Value
	case models.OperatorLessThan:
		return value < c.Value
	case models.OperatorEquals:
		return value == c.Value
	case models.OperatorBetween:
		if c.SecondaryValue == nil {
			return false
		}
		return value >= c.Value && value <= *c.SecondaryValue
	default:
		return false
	}
}
