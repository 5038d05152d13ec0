package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"quote-approval-service/internal/models"
	"quote-approval-service/internal/repository"
)

// WorkflowSelector picks the approval workflow a submitted quote binds to
type WorkflowSelector struct {
	repo   repository.ApprovalRepositoryInterface
	logger *logrus.Entry
}

// NewWorkflowSelector creates a new workflow selector
func NewWorkflowSelector(repo repository.ApprovalRepositoryInterface, logger *logrus.Logger) *WorkflowSelector {
	return &WorkflowSelector{
		repo:   repo,
		logger: logger.WithField("component", "workflow_selector"),
	}
}

// SelectWorkflow evaluates every active workflow against the quote and
// returns the matching one with the highest aggregate condition priority.
// Ties break toward the most recently created workflow (the repository
// returns newest first and only a strictly higher priority displaces the
// current best). Returns nil when nothing matches; the caller marks the
// quote as not requiring approval.
func (s *WorkflowSelector) SelectWorkflow(ctx context.Context, quote *models.Quote) (*models.ApprovalWorkflow, error) {
	workflows, err := s.repo.ListActiveWorkflows(ctx, quote.TenantID)
	if err != nil {
		return nil, err
	}

	var best *models.ApprovalWorkflow
	bestPriority := -1

	for i := range workflows {
		workflow := &workflows[i]

		conditions, err := workflow.ParseConditions()
		if err != nil {
			s.logger.WithError(err).WithField("workflow_id", workflow.ID).
				Warn("Skipping workflow with malformed conditions")
			continue
		}
		if !EvaluateConditions(quote, conditions) {
			continue
		}

		priority := models.AggregatePriority(conditions)
		if priority > bestPriority {
			best = workflow
			bestPriority = priority
		}
	}

	if best != nil {
		s.logger.WithFields(logrus.Fields{
			"quote_id":    quote.ID,
			"workflow_id": best.ID,
			"priority":    bestPriority,
		}).Debug("Workflow selected for quote")
	}
	return best, nil
}
