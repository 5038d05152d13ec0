package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"quote-approval-service/internal/models"
)

func newTestEscalationService(repo *MockApprovalRepository, notifier *stubNotifier) *EscalationService {
	resolver := &stubResolver{byRole: map[string]string{
		"sales_director": "dir-1",
		"vp_sales":       "vp-1",
	}}
	return NewEscalationService(repo, resolver, notifier, nil, testLogger())
}

func TestProcessTick_FiresReminderAtInterval(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	quote.ApprovalStatus = models.QuoteStatusPending

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	approval.RequestedAt = requestedAt

	now := requestedAt.Add(12 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("IncrementReminderCount", mock.Anything, approval.ID, 0, now).Return(true, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.RemindersSent)
	assert.Equal(t, 0, result.Escalated)
	assert.Equal(t, []string{models.TriggerReminder}, notifier.eventTypes())
	repo.AssertNumberOfCalls(t, "CreateAuditLog", 1)
}

func TestProcessTick_ReminderIsIdempotent(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	approval.RequestedAt = requestedAt

	now := requestedAt.Add(12 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	// A concurrent tick already bumped the counter; this tick loses the swap.
	repo.On("IncrementReminderCount", mock.Anything, approval.ID, 0, now).Return(false, nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 0, result.RemindersSent)
	assert.Empty(t, notifier.events)
	repo.AssertNotCalled(t, "CreateAuditLog", mock.Anything, mock.Anything)
}

func TestProcessTick_EscalatesAfterTimeout(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	quote.ApprovalStatus = models.QuoteStatusPending

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	approval.RequestedAt = requestedAt
	approval.ReminderCount = 1 // reminder already consumed

	now := requestedAt.Add(24 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusEscalated).Return(nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)
	assert.Equal(t, models.ApprovalStatusEscalated, approval.Status)
	assert.NotNil(t, approval.EscalatedToID)

	// The level's escalateToRole is the first target in the path.
	successor := repo.Calls[findCall(repo, "CreateApproval")].Arguments.Get(1).(*models.QuoteApproval)
	assert.Equal(t, "dir-1", successor.ApproverID)
	assert.Equal(t, "sales_director", successor.ApproverRole)
	assert.Equal(t, 1, successor.EscalationLevel)
	assert.Equal(t, approval.LevelOrder, successor.LevelOrder)

	assert.Equal(t, []string{models.TriggerEscalated, models.TriggerApprovalRequested}, notifier.eventTypes())
}

// A 75k quote with a 12h reminder and 24h timeout: the 12h tick fires one
// reminder, the 24h tick escalates. Exactly three audit entries result:
// reminder, escalated, requested for the successor.
func TestProcessTick_ReminderThenEscalationAuditTrail(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	quote.ApprovalStatus = models.QuoteStatusPending

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	approval.RequestedAt = requestedAt

	afterReminder := *approval
	afterReminder.ReminderCount = 1

	tick1 := requestedAt.Add(12 * time.Hour)
	tick2 := requestedAt.Add(24 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil).Once()
	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{afterReminder}, nil).Once()
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("IncrementReminderCount", mock.Anything, approval.ID, 0, tick1).Return(true, nil)
	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(&afterReminder, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, &afterReminder, models.ApprovalStatusEscalated).Return(nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	first, err := service.ProcessTick(context.Background(), tick1)
	assert.NoError(t, err)
	assert.Equal(t, 1, first.RemindersSent)
	assert.Equal(t, 0, first.Escalated)

	second, err := service.ProcessTick(context.Background(), tick2)
	assert.NoError(t, err)
	assert.Equal(t, 0, second.RemindersSent)
	assert.Equal(t, 1, second.Escalated)

	repo.AssertNumberOfCalls(t, "CreateAuditLog", 3)
	assert.Equal(t, []string{
		models.TriggerReminder,
		models.TriggerEscalated,
		models.TriggerApprovalRequested,
	}, notifier.eventTypes())
}

func TestProcessTick_ExhaustedChainExpiresApprovalAndQuote(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	quote.ApprovalStatus = models.QuoteStatusPending

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "vp-1")
	approval.RequestedAt = requestedAt
	approval.ReminderCount = 1
	approval.EscalationLevel = 2 // past escalateToRole and the whole chain

	now := requestedAt.Add(30 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusExpired).Return(nil)
	repo.On("ListApprovalsByQuote", mock.Anything, quote.ID).Return([]models.QuoteApproval{
		{LevelOrder: 1, Status: models.ApprovalStatusExpired},
	}, nil)
	repo.On("UpdateQuoteApprovalStatus", mock.Anything, quote, models.QuoteStatusExpired).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, models.ApprovalStatusExpired, approval.Status)
	assert.Equal(t, models.QuoteStatusExpired, quote.ApprovalStatus)
	assert.Equal(t, []string{models.TriggerExpired}, notifier.eventTypes())
}

func TestProcessTick_ResolutionFailureStallsApproval(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	resolver := &stubResolver{byRole: map[string]string{}} // directory has nobody
	service := NewEscalationService(repo, resolver, notifier, nil, testLogger())

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	approval.RequestedAt = requestedAt
	approval.ReminderCount = 1

	now := requestedAt.Add(24 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("MarkResolutionStalled", mock.Anything, approval.ID).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Stalled)
	assert.Equal(t, 0, result.Escalated)
	assert.Empty(t, notifier.events)

	stallAudit := repo.Calls[findCall(repo, "CreateAuditLog")].Arguments.Get(1).(*models.ApprovalAuditLog)
	assert.Equal(t, models.AuditActionResolutionStall, stallAudit.Action)
}

func TestProcessTick_UrgencyMultiplierShortensTimeout(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	workflow.Settings = []byte(`{"timeoutHours": 24, "urgencyMultiplier": 2, "escalationChain": ["vp_sales"]}`)
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	approval.RequestedAt = requestedAt

	// Half the nominal 24h timeout has passed; the multiplier makes it due.
	now := requestedAt.Add(12 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*approval}, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusEscalated).Return(nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)
}

func TestProcessTick_FailureOnOneApprovalDoesNotAbortTick(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestEscalationService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID

	requestedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	broken := createTestApproval(quote, uuid.Nil, 1, "mgr-1") // unknown workflow
	broken.RequestedAt = requestedAt
	healthy := createTestApproval(quote, workflow.ID, 1, "mgr-2")
	healthy.RequestedAt = requestedAt

	now := requestedAt.Add(12 * time.Hour)

	repo.On("FindPendingApprovals", mock.Anything).Return([]models.QuoteApproval{*broken, *healthy}, nil)
	repo.On("GetWorkflowByID", mock.Anything, uuid.Nil).Return(nil, assert.AnError)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("IncrementReminderCount", mock.Anything, healthy.ID, 0, now).Return(true, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.ProcessTick(context.Background(), now)

	assert.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.RemindersSent)
}
