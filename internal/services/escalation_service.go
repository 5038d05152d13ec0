package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quote-approval-service/internal/clients"
	"quote-approval-service/internal/events"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/repository"
)

// ErrNoEscalationTarget is returned internally when the escalation chain for
// an approval is exhausted
var ErrNoEscalationTarget = errors.New("no escalation target remaining")

// TickResult summarizes one scheduler pass
type TickResult struct {
	Processed     int `json:"processed"`
	RemindersSent int `json:"remindersSent"`
	Escalated     int `json:"escalated"`
	Expired       int `json:"expired"`
	Stalled       int `json:"stalled"`
	Errors        int `json:"errors"`
}

// EscalationService drives reminders, escalations and expirations from
// persisted state. Every decision in a tick is a pure function of the
// database and the tick time, so overlapping or replayed ticks converge on
// the same outcome.
type EscalationService struct {
	repo      repository.ApprovalRepositoryInterface
	resolver  clients.ApproverResolver
	notifier  Notifier
	publisher *events.Publisher
	logger    *logrus.Entry
}

// NewEscalationService creates a new escalation service
func NewEscalationService(
	repo repository.ApprovalRepositoryInterface,
	resolver clients.ApproverResolver,
	notifier Notifier,
	publisher *events.Publisher,
	logger *logrus.Logger,
) *EscalationService {
	return &EscalationService{
		repo:      repo,
		resolver:  resolver,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.WithField("component", "escalation_service"),
	}
}

// ProcessTick examines every pending approval once. Reminder counters and
// status transitions are guarded by compare-and-swap updates, so a tick that
// races another tick or a human response loses cleanly. A failure on one
// approval is counted and logged, never aborts the pass.
func (s *EscalationService) ProcessTick(ctx context.Context, now time.Time) (*TickResult, error) {
	result := &TickResult{}

	pending, err := s.repo.FindPendingApprovals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending approvals: %w", err)
	}

	workflowCache := make(map[uuid.UUID]*workflowContext)

	for i := range pending {
		approval := &pending[i]
		result.Processed++

		if err := s.processApproval(ctx, approval, now, workflowCache, result); err != nil {
			result.Errors++
			s.logger.WithError(err).WithFields(logrus.Fields{
				"approval_id": approval.ID,
				"quote_id":    approval.QuoteID,
			}).Error("Failed to process pending approval")
		}
	}

	if result.RemindersSent > 0 || result.Escalated > 0 || result.Expired > 0 || result.Errors > 0 {
		s.logger.WithFields(logrus.Fields{
			"processed": result.Processed,
			"reminders": result.RemindersSent,
			"escalated": result.Escalated,
			"expired":   result.Expired,
			"stalled":   result.Stalled,
			"errors":    result.Errors,
		}).Info("Escalation tick completed")
	}
	return result, nil
}

type workflowContext struct {
	workflow *models.ApprovalWorkflow
	levels   []models.ApprovalLevel
	settings models.WorkflowSettings
}

func (s *EscalationService) loadWorkflow(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]*workflowContext) (*workflowContext, error) {
	if wc, ok := cache[id]; ok {
		return wc, nil
	}
	workflow, err := s.repo.GetWorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}
	levels, err := workflow.ParseLevels()
	if err != nil {
		return nil, err
	}
	settings, err := workflow.ParseSettings()
	if err != nil {
		return nil, err
	}
	wc := &workflowContext{workflow: workflow, levels: levels, settings: settings}
	cache[id] = wc
	return wc, nil
}

func (s *EscalationService) processApproval(
	ctx context.Context,
	approval *models.QuoteApproval,
	now time.Time,
	cache map[uuid.UUID]*workflowContext,
	result *TickResult,
) error {
	wc, err := s.loadWorkflow(ctx, approval.WorkflowID, cache)
	if err != nil {
		return err
	}
	settings := wc.settings
	level := levelAt(wc.levels, approval.LevelIndex)

	multiplier := settings.EffectiveMultiplier()
	elapsed := EligibleHours(approval.RequestedAt, now, settings.BusinessHoursOnly, settings.ExcludeWeekends)

	// Reminders fire against cumulative intervals. The counter CAS makes a
	// fire idempotent: a second tick observing the same state loses the swap
	// and does nothing.
	if fired, err := s.maybeRemind(ctx, approval, settings, elapsed, multiplier, now); err != nil {
		return err
	} else if fired {
		result.RemindersSent++
	}

	timeoutHours := float64(settings.TimeoutHours)
	if level != nil && level.TimeoutHours > 0 {
		timeoutHours = float64(level.TimeoutHours)
	}
	effectiveTimeout := timeoutHours / multiplier

	escalateNow := elapsed >= effectiveTimeout
	if !escalateNow && settings.EscalateOnMaxReminders && settings.MaxReminders > 0 &&
		approval.ReminderCount >= settings.MaxReminders {
		escalateNow = true
	}
	if !escalateNow {
		return nil
	}

	return s.escalate(ctx, approval, wc, level, now, result)
}

// maybeRemind fires the next due reminder, if any
func (s *EscalationService) maybeRemind(
	ctx context.Context,
	approval *models.QuoteApproval,
	settings models.WorkflowSettings,
	elapsed, multiplier float64,
	now time.Time,
) (bool, error) {
	intervals := settings.ReminderIntervalsHours
	next := approval.ReminderCount
	if next >= len(intervals) {
		return false, nil
	}
	if settings.MaxReminders > 0 && next >= settings.MaxReminders {
		return false, nil
	}
	if elapsed < intervals[next]/multiplier {
		return false, nil
	}

	won, err := s.repo.IncrementReminderCount(ctx, approval.ID, approval.ReminderCount, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	approval.ReminderCount++
	approval.LastReminderAt = &now

	quote, err := s.repo.GetQuoteByID(ctx, approval.QuoteID)
	if err != nil {
		return false, err
	}
	if err := s.repo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
		TenantID:   approval.TenantID,
		QuoteID:    approval.QuoteID,
		ApprovalID: &approval.ID,
		Action:     models.AuditActionReminder,
		ActorID:    "scheduler",
		Comments:   fmt.Sprintf("reminder %d to %s", approval.ReminderCount, approval.ApproverID),
	}); err != nil {
		return false, err
	}

	s.notify(ctx, models.TriggerReminder, quote, approval)
	return true, nil
}

// escalate terminalizes the approval and creates a successor for the next
// target in the escalation chain. When the chain is exhausted the approval
// expires; when the target cannot be resolved the approval is flagged
// stalled and left for an operator.
func (s *EscalationService) escalate(
	ctx context.Context,
	approval *models.QuoteApproval,
	wc *workflowContext,
	level *models.ApprovalLevel,
	now time.Time,
	result *TickResult,
) error {
	quote, err := s.repo.GetQuoteByID(ctx, approval.QuoteID)
	if err != nil {
		return err
	}

	targetID, targetRole, err := s.resolveEscalationTarget(ctx, quote, approval, wc, level)
	if errors.Is(err, ErrNoEscalationTarget) {
		return s.expire(ctx, quote, approval, wc, now, result)
	}
	if err != nil || targetID == "" {
		if stallErr := s.repo.MarkResolutionStalled(ctx, approval.ID); stallErr != nil {
			if errors.Is(stallErr, repository.ErrNotFound) {
				return nil
			}
			return stallErr
		}
		if auditErr := s.repo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
			TenantID:   approval.TenantID,
			QuoteID:    approval.QuoteID,
			ApprovalID: &approval.ID,
			Action:     models.AuditActionResolutionStall,
			ActorID:    "scheduler",
			Comments:   fmt.Sprintf("escalation target %q did not resolve", targetRole),
		}); auditErr != nil {
			return auditErr
		}
		result.Stalled++
		s.logger.WithFields(logrus.Fields{
			"approval_id": approval.ID,
			"target_role": targetRole,
		}).Error("Escalation target resolution failed, approval stalled")
		return nil
	}

	successor := &models.QuoteApproval{
		ID:              uuid.New(),
		TenantID:        approval.TenantID,
		QuoteID:         approval.QuoteID,
		WorkflowID:      approval.WorkflowID,
		LevelOrder:      approval.LevelOrder,
		LevelIndex:      approval.LevelIndex,
		Status:          models.ApprovalStatusPending,
		Version:         1,
		ApproverID:      targetID,
		ApproverRole:    targetRole,
		RequestedAt:     now,
		EscalationLevel: approval.EscalationLevel + 1,
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		current, err := txRepo.GetApprovalByID(ctx, approval.ID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return repository.ErrVersionConflict
		}
		current.EscalatedToID = &successor.ID
		if err := txRepo.UpdateApprovalStatus(ctx, current, models.ApprovalStatusEscalated); err != nil {
			return err
		}
		if err := txRepo.CreateApproval(ctx, successor); err != nil {
			return err
		}
		*approval = *current

		if err := txRepo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
			TenantID:       approval.TenantID,
			QuoteID:        approval.QuoteID,
			ApprovalID:     &approval.ID,
			Action:         models.AuditActionEscalated,
			ActorID:        "scheduler",
			PreviousStatus: models.ApprovalStatusPending,
			NewStatus:      models.ApprovalStatusEscalated,
			Comments:       fmt.Sprintf("escalated from %s to %s", approval.ApproverID, targetID),
		}); err != nil {
			return err
		}
		return txRepo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
			TenantID:   successor.TenantID,
			QuoteID:    successor.QuoteID,
			ApprovalID: &successor.ID,
			Action:     models.AuditActionRequested,
			ActorID:    "scheduler",
			NewStatus:  models.ApprovalStatusPending,
			Comments:   "escalation from " + approval.ApproverID,
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// Another writer terminalized the approval first.
			return nil
		}
		return err
	}

	result.Escalated++
	s.notify(ctx, models.TriggerEscalated, quote, approval)
	s.notify(ctx, models.TriggerApprovalRequested, quote, successor)
	return nil
}

// resolveEscalationTarget walks the escalation path for the approval: the
// level's escalateToRole first, then the workflow's escalation chain. For
// manager-hierarchy levels the path is the org chart instead.
func (s *EscalationService) resolveEscalationTarget(
	ctx context.Context,
	quote *models.Quote,
	approval *models.QuoteApproval,
	wc *workflowContext,
	level *models.ApprovalLevel,
) (string, string, error) {
	quoteCtx := clients.QuoteContext{
		QuoteID:    quote.ID.String(),
		TenantID:   quote.TenantID,
		Department: quote.Department,
		Amount:     quote.TotalAmount,
	}

	if level != nil && level.ApprovalType == models.LevelTypeManagerHierarchy {
		id, err := s.resolver.Resolve(ctx, clients.ResolveTarget{
			HierarchyLevel: approval.EscalationLevel + 1,
			RelativeToUser: approval.ApproverID,
		}, quoteCtx)
		return id, "manager", err
	}

	var path []string
	if level != nil && level.EscalateToRole != "" {
		path = append(path, level.EscalateToRole)
	}
	path = append(path, wc.settings.EscalationChain...)

	if approval.EscalationLevel >= len(path) {
		return "", "", ErrNoEscalationTarget
	}
	role := path[approval.EscalationLevel]
	id, err := s.resolver.Resolve(ctx, clients.ResolveTarget{Role: role}, quoteCtx)
	return id, role, err
}

// expire terminalizes an approval whose escalation path is exhausted. When
// no pending instances remain anywhere in the chain the quote itself expires.
func (s *EscalationService) expire(
	ctx context.Context,
	quote *models.Quote,
	approval *models.QuoteApproval,
	wc *workflowContext,
	now time.Time,
	result *TickResult,
) error {
	quoteExpired := false

	err := s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		current, err := txRepo.GetApprovalByID(ctx, approval.ID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return repository.ErrVersionConflict
		}
		current.CancelReason = models.CancelReasonTimeout
		if err := txRepo.UpdateApprovalStatus(ctx, current, models.ApprovalStatusExpired); err != nil {
			return err
		}
		*approval = *current

		if err := txRepo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
			TenantID:       approval.TenantID,
			QuoteID:        approval.QuoteID,
			ApprovalID:     &approval.ID,
			Action:         models.AuditActionExpired,
			ActorID:        "scheduler",
			PreviousStatus: models.ApprovalStatusPending,
			NewStatus:      models.ApprovalStatusExpired,
			Comments:       models.CancelReasonTimeout,
		}); err != nil {
			return err
		}

		approvals, err := txRepo.ListApprovalsByQuote(ctx, quote.ID)
		if err != nil {
			return err
		}
		for i := range approvals {
			if approvals[i].Status == models.ApprovalStatusPending {
				return nil
			}
		}
		if chainSatisfied(approvals, wc.levels) {
			return nil
		}

		quoteExpired = true
		if err := txRepo.UpdateQuoteApprovalStatus(ctx, quote, models.QuoteStatusExpired); err != nil {
			return err
		}
		return txRepo.CreateAuditLog(ctx, &models.ApprovalAuditLog{
			TenantID:       quote.TenantID,
			QuoteID:        quote.ID,
			Action:         models.AuditActionExpired,
			ActorID:        "scheduler",
			PreviousStatus: models.QuoteStatusPending,
			NewStatus:      models.QuoteStatusExpired,
			Comments:       "approval chain expired without resolution",
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil
		}
		return err
	}

	result.Expired++
	s.notify(ctx, models.TriggerExpired, quote, approval)
	if quoteExpired {
		s.logger.WithField("quote_id", quote.ID).Warn("Quote expired - approval chain exhausted")
	}
	return nil
}

func (s *EscalationService) notify(ctx context.Context, eventType string, quote *models.Quote, approval *models.QuoteApproval) {
	if s.notifier != nil {
		err := s.notifier.Dispatch(ctx, NotificationEvent{
			TenantID: quote.TenantID,
			Type:     eventType,
			Quote:    quote,
			Approval: approval,
		})
		if err != nil {
			s.logger.WithError(err).WithField("event_type", eventType).Error("Notification dispatch failed")
		}
	}
	if s.publisher != nil {
		event := events.ApprovalEvent{
			EventType:   eventType,
			TenantID:    quote.TenantID,
			QuoteID:     quote.ID.String(),
			QuoteNumber: quote.QuoteNumber,
			Status:      quote.ApprovalStatus,
		}
		if approval != nil {
			event.ApprovalID = approval.ID.String()
			event.LevelOrder = approval.LevelOrder
			event.ApproverID = approval.ApproverID
		}
		if err := s.publisher.Publish(event); err != nil {
			s.logger.WithError(err).WithField("event_type", eventType).Warn("Event publish failed")
		}
	}
}
