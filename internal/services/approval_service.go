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

var (
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrApprovalNotFound     = errors.New("approval not found")
	ErrWorkflowNotFound     = errors.New("workflow not found")
	ErrInvalidTransition    = errors.New("approval is not pending - decision already recorded or superseded")
	ErrInvalidDecision      = errors.New("decision must be approve or reject")
	ErrMissingComments      = errors.New("comments are required when rejecting")
	ErrWorkflowBound        = errors.New("quote is already bound to an approval chain")
	ErrWorkflowImmutable    = errors.New("system workflows cannot be modified - create a tenant workflow instead")
	ErrDelegationNotAllowed = errors.New("delegation is not allowed by workflow settings")
	ErrUnauthorizedApprover = errors.New("actor is not the assigned approver or an active delegate")
	ErrApproverCapExceeded  = errors.New("quote amount exceeds the approver's authority cap")
)

// Actor identifies who is performing an operation
type Actor struct {
	ID   string
	Role string
}

// NotificationEvent is handed to the dispatcher on lifecycle transitions
type NotificationEvent struct {
	TenantID string
	Type     string
	Quote    *models.Quote
	Approval *models.QuoteApproval
}

// Notifier dispatches lifecycle notifications. Implementations own dedup,
// rate limiting and delivery; the service only reports what happened.
type Notifier interface {
	Dispatch(ctx context.Context, event NotificationEvent) error
}

// ApprovalService implements the quote approval chain state machine
type ApprovalService struct {
	repo      repository.ApprovalRepositoryInterface
	selector  *WorkflowSelector
	resolver  clients.ApproverResolver
	notifier  Notifier
	publisher *events.Publisher
	logger    *logrus.Entry
}

// NewApprovalService creates a new approval service. notifier and publisher
// may be nil; transitions then happen without outbound signals.
func NewApprovalService(
	repo repository.ApprovalRepositoryInterface,
	selector *WorkflowSelector,
	resolver clients.ApproverResolver,
	notifier Notifier,
	publisher *events.Publisher,
	logger *logrus.Logger,
) *ApprovalService {
	return &ApprovalService{
		repo:      repo,
		selector:  selector,
		resolver:  resolver,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.WithField("component", "approval_service"),
	}
}

// --- Quote lifecycle ---

// CreateQuote persists a new draft quote
func (s *ApprovalService) CreateQuote(ctx context.Context, quote *models.Quote) error {
	if quote.TotalAmount < 0 {
		return fmt.Errorf("total amount cannot be negative")
	}
	if quote.QuoteNumber == "" {
		return fmt.Errorf("quote number is required")
	}
	quote.ApprovalStatus = models.QuoteStatusDraft
	return s.repo.CreateQuote(ctx, quote)
}

// UpdateQuoteRequest carries optional quote field changes
type UpdateQuoteRequest struct {
	TotalAmount     *float64 `json:"totalAmount,omitempty"`
	DiscountPercent *float64 `json:"discountPercent,omitempty"`
	CustomerType    *string  `json:"customerType,omitempty"`
	Department      *string  `json:"department,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
}

// UpdateQuote applies field changes to a quote. Once a quote is bound to an
// approval chain its approval-relevant fields are frozen; changing them
// requires an explicit resubmission.
func (s *ApprovalService) UpdateQuote(ctx context.Context, quoteID uuid.UUID, req UpdateQuoteRequest) (*models.Quote, error) {
	quote, err := s.getQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	touchesApprovalFields := req.TotalAmount != nil || req.DiscountPercent != nil ||
		req.CustomerType != nil || req.Department != nil
	if touchesApprovalFields && quote.IsBound() && !quote.IsTerminal() {
		return nil, ErrWorkflowBound
	}

	if req.TotalAmount != nil {
		quote.TotalAmount = *req.TotalAmount
	}
	if req.DiscountPercent != nil {
		quote.DiscountPercent = *req.DiscountPercent
	}
	if req.CustomerType != nil {
		quote.CustomerType = *req.CustomerType
	}
	if req.Department != nil {
		quote.Department = *req.Department
	}
	if req.Notes != nil {
		quote.Notes = *req.Notes
	}

	if err := s.repo.UpdateQuote(ctx, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// GetQuote retrieves a quote by ID
func (s *ApprovalService) GetQuote(ctx context.Context, quoteID uuid.UUID) (*models.Quote, error) {
	return s.getQuote(ctx, quoteID)
}

// SubmitQuote evaluates active workflows against the quote and binds it to
// the best match, instantiating the first approval level. When nothing
// matches the quote is marked not_required and no chain is created.
func (s *ApprovalService) SubmitQuote(ctx context.Context, quoteID uuid.UUID, actor Actor) (*models.Quote, error) {
	quote, err := s.getQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.IsBound() && !quote.IsTerminal() {
		return nil, ErrWorkflowBound
	}
	if quote.ApprovalStatus != models.QuoteStatusDraft && quote.ApprovalStatus != models.QuoteStatusNotRequired {
		return nil, ErrInvalidTransition
	}

	workflow, err := s.selector.SelectWorkflow(ctx, quote)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		if err := s.repo.UpdateQuoteApprovalStatus(ctx, quote, models.QuoteStatusNotRequired); err != nil {
			return nil, err
		}
		if err := s.audit(ctx, s.repo, quote, nil, models.AuditActionNotRequired, actor,
			models.QuoteStatusDraft, models.QuoteStatusNotRequired, "no workflow matched"); err != nil {
			return nil, err
		}
		s.logger.WithField("quote_id", quote.ID).Info("Quote submitted, no approval required")
		return quote, nil
	}

	levels, err := workflow.ParseLevels()
	if err != nil || len(levels) == 0 {
		return nil, fmt.Errorf("workflow %s has invalid levels: %w", workflow.ID, err)
	}
	settings, err := workflow.ParseSettings()
	if err != nil {
		return nil, fmt.Errorf("workflow %s has invalid settings: %w", workflow.ID, err)
	}

	now := time.Now()
	var notify []NotificationEvent

	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		// Re-check inside the transaction in case a concurrent submit won.
		current, err := txRepo.GetQuoteByID(ctx, quote.ID)
		if err != nil {
			return err
		}
		if current.IsBound() && !current.IsTerminal() {
			return ErrWorkflowBound
		}

		current.WorkflowID = &workflow.ID
		current.ChainBoundAt = &now
		current.ApprovalStatus = models.QuoteStatusPending
		current.CompletedApprovers = nil
		if err := txRepo.UpdateQuote(ctx, current); err != nil {
			return err
		}
		*quote = *current

		var toActivate []models.ApprovalLevel
		if settings.ParallelApproval {
			toActivate = levels
		} else {
			toActivate = levelGroup(levels, levels[0].Order)
		}

		for i := range toActivate {
			created, err := s.requestApprovalsForLevel(ctx, txRepo, quote, workflow, toActivate[i], now, actor)
			if err != nil {
				return err
			}
			for j := range created {
				notify = append(notify, NotificationEvent{
					TenantID: quote.TenantID,
					Type:     models.TriggerApprovalRequested,
					Quote:    quote,
					Approval: &created[j],
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, notify)
	s.logger.WithFields(logrus.Fields{
		"quote_id":    quote.ID,
		"workflow_id": workflow.ID,
	}).Info("Quote bound to approval workflow")
	return quote, nil
}

// ResubmitQuote cancels the quote's pending approvals, clears the chain
// binding and runs workflow selection again against the quote's current
// attributes. The audit trail keeps the full history of both chains.
func (s *ApprovalService) ResubmitQuote(ctx context.Context, quoteID uuid.UUID, actor Actor) (*models.Quote, error) {
	quote, err := s.getQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !quote.IsBound() {
		return nil, ErrInvalidTransition
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		cancelled, err := txRepo.CancelPendingApprovals(ctx, quote.ID, models.CancelReasonResubmitted, nil)
		if err != nil {
			return err
		}
		for i := range cancelled {
			if err := s.audit(ctx, txRepo, quote, &cancelled[i], models.AuditActionExpired, actor,
				models.ApprovalStatusPending, models.ApprovalStatusExpired, models.CancelReasonResubmitted); err != nil {
				return err
			}
		}

		quote.WorkflowID = nil
		quote.ChainBoundAt = nil
		quote.CompletedApprovers = nil
		quote.ApprovalStatus = models.QuoteStatusDraft
		if err := txRepo.UpdateQuote(ctx, quote); err != nil {
			return err
		}

		return s.audit(ctx, txRepo, quote, nil, models.AuditActionResubmitted, actor, "", "", "")
	})
	if err != nil {
		return nil, err
	}

	return s.SubmitQuote(ctx, quoteID, actor)
}

// --- Approval decisions ---

// Respond records an approve or reject decision on a pending approval
// instance and advances the chain: level completion activates the next level
// or completes the chain, rejection terminates the whole chain.
func (s *ApprovalService) Respond(ctx context.Context, approvalID uuid.UUID, actor Actor, decision, comments string) (*models.QuoteApproval, error) {
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, ErrInvalidDecision
	}

	approval, err := s.getApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	quote, err := s.getQuote(ctx, approval.QuoteID)
	if err != nil {
		return nil, err
	}
	workflow, err := s.getWorkflow(ctx, approval.WorkflowID)
	if err != nil {
		return nil, err
	}
	settings, err := workflow.ParseSettings()
	if err != nil {
		return nil, err
	}
	levels, err := workflow.ParseLevels()
	if err != nil {
		return nil, err
	}

	if err := s.authorizeActor(ctx, approval, actor); err != nil {
		return nil, err
	}
	if decision == models.DecisionReject && settings.RequireComments && comments == "" {
		return nil, ErrMissingComments
	}

	level := levelAt(levels, approval.LevelIndex)
	if level != nil && level.ApprovalType == models.LevelTypeAmountBased {
		if maxAmount := approverCap(level, approval); maxAmount != nil && quote.TotalAmount > *maxAmount {
			return nil, ErrApproverCapExceeded
		}
	}

	now := time.Now()
	var notify []NotificationEvent

	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		current, err := txRepo.GetApprovalByID(ctx, approval.ID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return ErrInvalidTransition
		}

		current.RespondedAt = &now
		current.Comments = comments

		if decision == models.DecisionApprove {
			if err := txRepo.UpdateApprovalStatus(ctx, current, models.ApprovalStatusApproved); err != nil {
				return err
			}
			if err := s.audit(ctx, txRepo, quote, current, models.AuditActionApproved, actor,
				models.ApprovalStatusPending, models.ApprovalStatusApproved, comments); err != nil {
				return err
			}
			*approval = *current
			n, err := s.advanceChain(ctx, txRepo, quote, workflow, levels, settings, current, actor, now)
			if err != nil {
				return err
			}
			notify = append(notify, n...)
			return nil
		}

		if err := txRepo.UpdateApprovalStatus(ctx, current, models.ApprovalStatusRejected); err != nil {
			return err
		}
		if err := s.audit(ctx, txRepo, quote, current, models.AuditActionRejected, actor,
			models.ApprovalStatusPending, models.ApprovalStatusRejected, comments); err != nil {
			return err
		}
		*approval = *current

		// One rejection terminates the whole chain: every other pending
		// instance is cancelled, not left dangling.
		cancelled, err := txRepo.CancelPendingApprovals(ctx, quote.ID, models.CancelReasonChainRejected, &current.ID)
		if err != nil {
			return err
		}
		for i := range cancelled {
			if err := s.audit(ctx, txRepo, quote, &cancelled[i], models.AuditActionExpired, actor,
				models.ApprovalStatusPending, models.ApprovalStatusExpired, models.CancelReasonChainRejected); err != nil {
				return err
			}
		}

		if err := txRepo.UpdateQuoteApprovalStatus(ctx, quote, models.QuoteStatusRejected); err != nil {
			return err
		}
		if err := s.audit(ctx, txRepo, quote, nil, models.AuditActionChainRejected, actor,
			models.QuoteStatusPending, models.QuoteStatusRejected, comments); err != nil {
			return err
		}
		notify = append(notify, NotificationEvent{
			TenantID: quote.TenantID,
			Type:     models.TriggerRejected,
			Quote:    quote,
			Approval: current,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, notify)
	return approval, nil
}

// Delegate hands a pending approval to another approver. The original
// instance terminalizes as delegated and a successor instance is created for
// the delegate at the same level.
func (s *ApprovalService) Delegate(ctx context.Context, approvalID uuid.UUID, actor Actor, delegateID, reason string) (*models.QuoteApproval, error) {
	approval, err := s.getApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	if actor.ID != approval.ApproverID {
		return nil, ErrUnauthorizedApprover
	}
	if delegateID == "" || delegateID == approval.ApproverID {
		return nil, fmt.Errorf("invalid delegate id")
	}

	quote, err := s.getQuote(ctx, approval.QuoteID)
	if err != nil {
		return nil, err
	}
	workflow, err := s.getWorkflow(ctx, approval.WorkflowID)
	if err != nil {
		return nil, err
	}
	settings, err := workflow.ParseSettings()
	if err != nil {
		return nil, err
	}
	if !settings.AllowDelegation {
		return nil, ErrDelegationNotAllowed
	}

	now := time.Now()
	successor := &models.QuoteApproval{
		ID:              uuid.New(),
		TenantID:        approval.TenantID,
		QuoteID:         approval.QuoteID,
		WorkflowID:      approval.WorkflowID,
		LevelOrder:      approval.LevelOrder,
		LevelIndex:      approval.LevelIndex,
		Status:          models.ApprovalStatusPending,
		Version:         1,
		ApproverID:      delegateID,
		ApproverRole:    approval.ApproverRole,
		RequestedAt:     now,
		EscalationLevel: approval.EscalationLevel,
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		current, err := txRepo.GetApprovalByID(ctx, approval.ID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return ErrInvalidTransition
		}

		current.DelegatedToID = &successor.ID
		current.Comments = reason
		if err := txRepo.UpdateApprovalStatus(ctx, current, models.ApprovalStatusDelegated); err != nil {
			return err
		}
		if err := txRepo.CreateApproval(ctx, successor); err != nil {
			return err
		}
		*approval = *current

		if err := s.audit(ctx, txRepo, quote, current, models.AuditActionDelegated, actor,
			models.ApprovalStatusPending, models.ApprovalStatusDelegated, reason); err != nil {
			return err
		}
		return s.audit(ctx, txRepo, quote, successor, models.AuditActionRequested, actor,
			"", models.ApprovalStatusPending, "delegated from "+current.ApproverID)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, []NotificationEvent{
		{TenantID: quote.TenantID, Type: models.TriggerDelegated, Quote: quote, Approval: approval},
		{TenantID: quote.TenantID, Type: models.TriggerApprovalRequested, Quote: quote, Approval: successor},
	})
	return successor, nil
}

// CreateDelegationWindow records a standing delegation. While the window is
// valid, newly requested approvals addressed to the delegator are routed to
// the delegate.
func (s *ApprovalService) CreateDelegationWindow(ctx context.Context, delegation *models.ApprovalDelegation) error {
	if delegation.DelegatorID == "" || delegation.DelegateID == "" {
		return fmt.Errorf("delegator and delegate are required")
	}
	if delegation.DelegatorID == delegation.DelegateID {
		return fmt.Errorf("cannot delegate to yourself")
	}
	if !delegation.EndDate.After(delegation.StartDate) {
		return fmt.Errorf("end date must be after start date")
	}
	delegation.IsActive = true
	return s.repo.CreateDelegation(ctx, delegation)
}

// --- Chain status ---

// ChainProgress is the aggregate view of a quote's approval chain
type ChainProgress struct {
	QuoteID         uuid.UUID              `json:"quoteId"`
	ApprovalStatus  string                 `json:"approvalStatus"`
	TotalLevels     int                    `json:"totalLevels"`
	CompletedLevels int                    `json:"completedLevels"`
	CurrentLevel    int                    `json:"currentLevel"`
	PercentComplete float64                `json:"percentComplete"`
	Approvals       []models.QuoteApproval `json:"approvals"`
}

// ChainStatus projects the chain's aggregate state from its approval
// instances and the workflow's level definitions.
func (s *ApprovalService) ChainStatus(ctx context.Context, quoteID uuid.UUID) (*ChainProgress, error) {
	quote, err := s.getQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	progress := &ChainProgress{
		QuoteID:        quote.ID,
		ApprovalStatus: quote.ApprovalStatus,
	}
	if quote.WorkflowID == nil {
		return progress, nil
	}

	workflow, err := s.getWorkflow(ctx, *quote.WorkflowID)
	if err != nil {
		return nil, err
	}
	levels, err := workflow.ParseLevels()
	if err != nil {
		return nil, err
	}
	approvals, err := s.repo.ListApprovalsByQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	progress.Approvals = approvals
	progress.TotalLevels = len(levels)
	progress.CurrentLevel = -1

	for i := range levels {
		if levelSatisfied(approvals, &levels[i]) {
			progress.CompletedLevels++
		} else if progress.CurrentLevel < 0 && hasPendingAtLevel(approvals, levels[i].Index) {
			progress.CurrentLevel = levels[i].Order
		}
	}
	if progress.TotalLevels > 0 {
		progress.PercentComplete = float64(progress.CompletedLevels) / float64(progress.TotalLevels) * 100
	}
	return progress, nil
}

// GetQuoteHistory returns the quote's chronological audit trail
func (s *ApprovalService) GetQuoteHistory(ctx context.Context, quoteID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	if _, err := s.getQuote(ctx, quoteID); err != nil {
		return nil, err
	}
	return s.repo.GetQuoteHistory(ctx, quoteID)
}

// ListPendingForApprover returns an approver's worklist
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, tenantID, approverID string, limit, offset int) ([]models.QuoteApproval, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListPendingForApprover(ctx, tenantID, approverID, limit, offset)
}

// --- Workflow administration ---

// CreateWorkflow validates and persists a workflow definition
func (s *ApprovalService) CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	if _, err := workflow.ParseConditions(); err != nil {
		return fmt.Errorf("invalid conditions: %w", err)
	}
	levels, err := workflow.ParseLevels()
	if err != nil || len(levels) == 0 {
		return fmt.Errorf("workflow requires at least one valid level")
	}
	if _, err := workflow.ParseSettings(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return s.repo.CreateWorkflow(ctx, workflow)
}

// UpdateWorkflow modifies a workflow definition. System workflows are never
// editable. A tenant workflow with bound quotes is immutable: the update
// deactivates it and creates a successor version instead, so in-flight chains
// keep the definition they started under.
func (s *ApprovalService) UpdateWorkflow(ctx context.Context, workflowID uuid.UUID, updated *models.ApprovalWorkflow) (*models.ApprovalWorkflow, error) {
	existing, err := s.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if existing.IsSystem {
		return nil, ErrWorkflowImmutable
	}

	bound, err := s.repo.CountBoundQuotes(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if bound == 0 {
		existing.Description = updated.Description
		existing.Conditions = updated.Conditions
		existing.Levels = updated.Levels
		existing.Settings = updated.Settings
		existing.IsActive = updated.IsActive
		if err := s.repo.UpdateWorkflow(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	successor := &models.ApprovalWorkflow{
		TenantID:    existing.TenantID,
		Name:        existing.Name,
		Description: updated.Description,
		Conditions:  updated.Conditions,
		Levels:      updated.Levels,
		Settings:    updated.Settings,
		IsActive:    true,
	}
	err = s.repo.WithTransaction(ctx, func(txRepo repository.ApprovalRepositoryInterface) error {
		existing.IsActive = false
		if err := txRepo.UpdateWorkflow(ctx, existing); err != nil {
			return err
		}
		return txRepo.CreateWorkflow(ctx, successor)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"workflow_id":  existing.ID,
		"successor_id": successor.ID,
	}).Info("Workflow versioned - previous definition had bound quotes")
	return successor, nil
}

// ListWorkflows returns the tenant's workflows including system defaults
func (s *ApprovalService) ListWorkflows(ctx context.Context, tenantID string) ([]models.ApprovalWorkflow, error) {
	return s.repo.ListActiveWorkflows(ctx, tenantID)
}

// GetWorkflow retrieves one workflow
func (s *ApprovalService) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*models.ApprovalWorkflow, error) {
	return s.getWorkflow(ctx, workflowID)
}

// --- Internals ---

// requestApprovalsForLevel resolves the level's candidates to concrete
// approvers and creates pending instances: every candidate for parallel
// levels, the first RequiredApprovals candidates otherwise. Resolution
// failures create a stalled instance rather than silently shrinking the
// level.
func (s *ApprovalService) requestApprovalsForLevel(
	ctx context.Context,
	txRepo repository.ApprovalRepositoryInterface,
	quote *models.Quote,
	workflow *models.ApprovalWorkflow,
	level models.ApprovalLevel,
	now time.Time,
	actor Actor,
) ([]models.QuoteApproval, error) {
	candidates := level.Approvers
	if !level.Parallel {
		required := level.RequiredApprovals
		if required < 1 {
			required = 1
		}
		if len(candidates) > required {
			candidates = candidates[:required]
		}
	}

	created := make([]models.QuoteApproval, 0, len(candidates))
	for _, candidate := range candidates {
		approverID, role, resolveErr := s.resolveCandidate(ctx, quote, level, candidate)

		approval := &models.QuoteApproval{
			ID:           uuid.New(),
			TenantID:     quote.TenantID,
			QuoteID:      quote.ID,
			WorkflowID:   workflow.ID,
			LevelOrder:   level.Order,
			LevelIndex:   level.Index,
			Status:       models.ApprovalStatusPending,
			Version:      1,
			ApproverID:   approverID,
			ApproverRole: role,
			RequestedAt:  now,
		}

		if resolveErr != nil || approverID == "" {
			approval.ApproverID = candidateLabel(level, candidate)
			approval.ResolutionStalled = true
			if err := txRepo.CreateApproval(ctx, approval); err != nil {
				return created, err
			}
			if err := s.audit(ctx, txRepo, quote, approval, models.AuditActionResolutionStall, actor,
				"", models.ApprovalStatusPending, "approver resolution failed for "+approval.ApproverID); err != nil {
				return created, err
			}
			s.logger.WithFields(logrus.Fields{
				"quote_id": quote.ID,
				"target":   approval.ApproverID,
			}).Error("Approver resolution failed, level stalled")
			continue
		}

		// Standing delegation windows redirect the instance at request time.
		redirected, err := s.applyStandingDelegation(ctx, txRepo, quote, approval, now)
		if err != nil {
			return created, err
		}

		if err := txRepo.CreateApproval(ctx, approval); err != nil {
			return created, err
		}
		comments := ""
		if redirected != "" {
			comments = "standing delegation from " + redirected
		}
		if err := s.audit(ctx, txRepo, quote, approval, models.AuditActionRequested, actor,
			"", models.ApprovalStatusPending, comments); err != nil {
			return created, err
		}
		created = append(created, *approval)
	}
	return created, nil
}

// resolveCandidate turns a level candidate definition into a concrete user id
func (s *ApprovalService) resolveCandidate(ctx context.Context, quote *models.Quote, level models.ApprovalLevel, candidate models.Approver) (string, string, error) {
	quoteCtx := clients.QuoteContext{
		QuoteID:    quote.ID.String(),
		TenantID:   quote.TenantID,
		Department: quote.Department,
		Amount:     quote.TotalAmount,
	}

	switch level.ApprovalType {
	case models.LevelTypeUser:
		return candidate.ApproverID, candidate.Role, nil
	case models.LevelTypeRole, models.LevelTypeAmountBased:
		role := candidate.Role
		if role == "" {
			role = candidate.ApproverID
		}
		id, err := s.resolver.Resolve(ctx, clients.ResolveTarget{Role: role}, quoteCtx)
		return id, role, err
	case models.LevelTypeDepartment:
		department := candidate.Department
		if department == "" {
			department = quote.Department
		}
		id, err := s.resolver.Resolve(ctx, clients.ResolveTarget{Department: department}, quoteCtx)
		return id, candidate.Role, err
	case models.LevelTypeManagerHierarchy:
		id, err := s.resolver.Resolve(ctx, clients.ResolveTarget{
			HierarchyLevel: candidate.HierarchyLevel,
			RelativeToUser: quote.OwnerID.String(),
		}, quoteCtx)
		return id, candidate.Role, err
	default:
		return "", "", fmt.Errorf("unknown approval type %q", level.ApprovalType)
	}
}

// applyStandingDelegation redirects the approval to an active delegate if the
// resolved approver has a valid delegation window. Returns the original
// approver id when a redirect happened.
func (s *ApprovalService) applyStandingDelegation(
	ctx context.Context,
	txRepo repository.ApprovalRepositoryInterface,
	quote *models.Quote,
	approval *models.QuoteApproval,
	now time.Time,
) (string, error) {
	delegations, err := txRepo.FindActiveDelegations(ctx, quote.TenantID, approval.ApproverID, quote.WorkflowID)
	if err != nil {
		return "", err
	}
	for i := range delegations {
		if delegations[i].IsValidAt(now) {
			original := approval.ApproverID
			approval.ApproverID = delegations[i].DelegateID
			return original, nil
		}
	}
	return "", nil
}

// advanceChain runs after an approval is recorded: completes the level when
// its N-of-M quorum is met, activates the next level or completes the chain,
// and activates the next sequential candidate when the quorum is not yet met.
func (s *ApprovalService) advanceChain(
	ctx context.Context,
	txRepo repository.ApprovalRepositoryInterface,
	quote *models.Quote,
	workflow *models.ApprovalWorkflow,
	levels []models.ApprovalLevel,
	settings models.WorkflowSettings,
	responded *models.QuoteApproval,
	actor Actor,
	now time.Time,
) ([]NotificationEvent, error) {
	approvals, err := txRepo.ListApprovalsByQuote(ctx, quote.ID)
	if err != nil {
		return nil, err
	}

	level := levelAt(levels, responded.LevelIndex)
	if level == nil {
		return nil, fmt.Errorf("approval references unknown level index %d", responded.LevelIndex)
	}

	var notify []NotificationEvent

	if !levelSatisfied(approvals, level) {
		// Quorum not met yet. Sequential levels activate the next unconsumed
		// candidate; parallel levels already have every candidate in flight.
		if !level.Parallel {
			if next := nextUnusedCandidate(approvals, level); next != nil {
				created, err := s.requestApprovalsForLevel(ctx, txRepo, quote, workflow, models.ApprovalLevel{
					Index:             level.Index,
					Order:             level.Order,
					ApprovalType:      level.ApprovalType,
					Approvers:         []models.Approver{*next},
					RequiredApprovals: 1,
				}, now, actor)
				if err != nil {
					return nil, err
				}
				for j := range created {
					notify = append(notify, NotificationEvent{
						TenantID: quote.TenantID,
						Type:     models.TriggerApprovalRequested,
						Quote:    quote,
						Approval: &created[j],
					})
				}
			}
		}
		return notify, nil
	}

	// Level complete. Record the approver and drop surplus pendings at this
	// level so nobody acts on a decision that no longer matters. Another level
	// sharing the same order keeps its own pendings and its own quorum.
	quote.CompletedApprovers = append(quote.CompletedApprovers, actor.ID)
	for i := range approvals {
		a := &approvals[i]
		if a.LevelIndex == level.Index && a.Status == models.ApprovalStatusPending {
			a.CancelReason = models.CancelReasonLevelSatisfied
			if err := txRepo.UpdateApprovalStatus(ctx, a, models.ApprovalStatusExpired); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			if err := s.audit(ctx, txRepo, quote, a, models.AuditActionExpired, actor,
				models.ApprovalStatusPending, models.ApprovalStatusExpired, models.CancelReasonLevelSatisfied); err != nil {
				return nil, err
			}
		}
	}

	if chainSatisfied(approvals, levels) {
		if err := txRepo.UpdateQuoteApprovalStatus(ctx, quote, models.QuoteStatusApproved); err != nil {
			return nil, err
		}
		if err := s.audit(ctx, txRepo, quote, nil, models.AuditActionChainApproved, actor,
			models.QuoteStatusPending, models.QuoteStatusApproved, ""); err != nil {
			return nil, err
		}
		notify = append(notify, NotificationEvent{
			TenantID: quote.TenantID,
			Type:     models.TriggerApproved,
			Quote:    quote,
			Approval: responded,
		})
		return notify, nil
	}

	if err := txRepo.UpdateQuote(ctx, quote); err != nil {
		return nil, err
	}

	if settings.ParallelApproval {
		// Remaining levels are already in flight.
		return notify, nil
	}

	next := nextUninstantiatedLevel(approvals, levels, level.Order)
	if next == nil {
		return notify, nil
	}
	for _, lvl := range levelGroup(levels, next.Order) {
		created, err := s.requestApprovalsForLevel(ctx, txRepo, quote, workflow, lvl, now, actor)
		if err != nil {
			return nil, err
		}
		for j := range created {
			notify = append(notify, NotificationEvent{
				TenantID: quote.TenantID,
				Type:     models.TriggerApprovalRequested,
				Quote:    quote,
				Approval: &created[j],
			})
		}
	}
	return notify, nil
}

func (s *ApprovalService) authorizeActor(ctx context.Context, approval *models.QuoteApproval, actor Actor) error {
	if actor.ID == approval.ApproverID {
		return nil
	}
	delegations, err := s.repo.FindActiveDelegations(ctx, approval.TenantID, approval.ApproverID, &approval.WorkflowID)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range delegations {
		if delegations[i].DelegateID == actor.ID && delegations[i].IsValidAt(now) {
			return nil
		}
	}
	return ErrUnauthorizedApprover
}

func (s *ApprovalService) audit(
	ctx context.Context,
	repo repository.ApprovalRepositoryInterface,
	quote *models.Quote,
	approval *models.QuoteApproval,
	action string,
	actor Actor,
	previousStatus, newStatus, comments string,
) error {
	entry := &models.ApprovalAuditLog{
		TenantID:       quote.TenantID,
		QuoteID:        quote.ID,
		Action:         action,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		PreviousStatus: previousStatus,
		NewStatus:      newStatus,
		Comments:       comments,
	}
	if approval != nil {
		entry.ApprovalID = &approval.ID
	}
	return repo.CreateAuditLog(ctx, entry)
}

// emit fans transitions out to the dispatcher and the event bus. Both are
// best effort after commit; a failure is logged, never propagated.
func (s *ApprovalService) emit(ctx context.Context, notify []NotificationEvent) {
	for _, event := range notify {
		if s.notifier != nil {
			if err := s.notifier.Dispatch(ctx, event); err != nil {
				s.logger.WithError(err).WithField("event_type", event.Type).Error("Notification dispatch failed")
			}
		}
		if s.publisher != nil {
			approvalEvent := events.ApprovalEvent{
				EventType:   event.Type,
				TenantID:    event.TenantID,
				QuoteID:     event.Quote.ID.String(),
				QuoteNumber: event.Quote.QuoteNumber,
				Status:      event.Quote.ApprovalStatus,
			}
			if event.Approval != nil {
				approvalEvent.ApprovalID = event.Approval.ID.String()
				approvalEvent.LevelOrder = event.Approval.LevelOrder
				approvalEvent.ApproverID = event.Approval.ApproverID
			}
			if err := s.publisher.Publish(approvalEvent); err != nil {
				s.logger.WithError(err).WithField("event_type", event.Type).Warn("Event publish failed")
			}
		}
	}
}

func (s *ApprovalService) getQuote(ctx context.Context, id uuid.UUID) (*models.Quote, error) {
	quote, err := s.repo.GetQuoteByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	return quote, nil
}

func (s *ApprovalService) getApproval(ctx context.Context, id uuid.UUID) (*models.QuoteApproval, error) {
	approval, err := s.repo.GetApprovalByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return approval, nil
}

func (s *ApprovalService) getWorkflow(ctx context.Context, id uuid.UUID) (*models.ApprovalWorkflow, error) {
	workflow, err := s.repo.GetWorkflowByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return workflow, nil
}

// --- Level helpers ---

// levelAt returns the level definition at the given index. ParseLevels
// assigns indexes positionally, so this is a bounds-checked slice access.
func levelAt(levels []models.ApprovalLevel, index int) *models.ApprovalLevel {
	if index < 0 || index >= len(levels) {
		return nil
	}
	return &levels[index]
}

// levelGroup returns every level sharing the given order; such levels
// activate together.
func levelGroup(levels []models.ApprovalLevel, order int) []models.ApprovalLevel {
	var group []models.ApprovalLevel
	for i := range levels {
		if levels[i].Order == order {
			group = append(group, levels[i])
		}
	}
	return group
}

func approvedCountAtLevel(approvals []models.QuoteApproval, index int) int {
	count := 0
	for i := range approvals {
		if approvals[i].LevelIndex == index && approvals[i].Status == models.ApprovalStatusApproved {
			count++
		}
	}
	return count
}

func hasPendingAtLevel(approvals []models.QuoteApproval, index int) bool {
	for i := range approvals {
		if approvals[i].LevelIndex == index && approvals[i].Status == models.ApprovalStatusPending {
			return true
		}
	}
	return false
}

func levelSatisfied(approvals []models.QuoteApproval, level *models.ApprovalLevel) bool {
	required := level.RequiredApprovals
	if required < 1 {
		required = 1
	}
	return approvedCountAtLevel(approvals, level.Index) >= required
}

func chainSatisfied(approvals []models.QuoteApproval, levels []models.ApprovalLevel) bool {
	for i := range levels {
		if !levelSatisfied(approvals, &levels[i]) {
			return false
		}
	}
	return true
}

// nextUnusedCandidate returns the first level candidate that has no approval
// instance yet, matching by role for resolved candidates and by id otherwise.
func nextUnusedCandidate(approvals []models.QuoteApproval, level *models.ApprovalLevel) *models.Approver {
	for i := range level.Approvers {
		candidate := &level.Approvers[i]
		used := false
		for j := range approvals {
			if approvals[j].LevelIndex != level.Index {
				continue
			}
			if candidate.ApproverID != "" && approvals[j].ApproverID == candidate.ApproverID {
				used = true
				break
			}
			if candidate.Role != "" && approvals[j].ApproverRole == candidate.Role {
				used = true
				break
			}
		}
		if !used {
			return candidate
		}
	}
	return nil
}

// nextUninstantiatedLevel returns the lowest-order level after the given
// order that has no approval instances yet
func nextUninstantiatedLevel(approvals []models.QuoteApproval, levels []models.ApprovalLevel, after int) *models.ApprovalLevel {
	for i := range levels {
		if levels[i].Order <= after {
			continue
		}
		instantiated := false
		for j := range approvals {
			if approvals[j].LevelIndex == levels[i].Index {
				instantiated = true
				break
			}
		}
		if !instantiated {
			return &levels[i]
		}
	}
	return nil
}

// approverCap returns the authority cap of the candidate definition that
// produced this instance, matching by id first and role second
func approverCap(level *models.ApprovalLevel, approval *models.QuoteApproval) *float64 {
	for i := range level.Approvers {
		candidate := &level.Approvers[i]
		if candidate.ApproverID != "" && candidate.ApproverID == approval.ApproverID {
			return candidate.MaxAmount
		}
		if candidate.Role != "" && candidate.Role == approval.ApproverRole {
			return candidate.MaxAmount
		}
	}
	return nil
}

func candidateLabel(level models.ApprovalLevel, candidate models.Approver) string {
	switch {
	case candidate.ApproverID != "":
		return candidate.ApproverID
	case candidate.Role != "":
		return candidate.Role
	case candidate.Department != "":
		return candidate.Department
	default:
		return level.ApprovalType
	}
}
