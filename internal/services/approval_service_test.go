package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"quote-approval-service/internal/clients"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/repository"
)

// MockApprovalRepository is a mock implementation of ApprovalRepositoryInterface
type MockApprovalRepository struct {
	mock.Mock
}

func (m *MockApprovalRepository) ListActiveWorkflows(ctx context.Context, tenantID string) ([]models.ApprovalWorkflow, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ApprovalWorkflow), args.Error(1)
}

func (m *MockApprovalRepository) GetWorkflowByID(ctx context.Context, workflowID uuid.UUID) (*models.ApprovalWorkflow, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ApprovalWorkflow), args.Error(1)
}

func (m *MockApprovalRepository) CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	args := m.Called(ctx, workflow)
	return args.Error(0)
}

func (m *MockApprovalRepository) UpdateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	args := m.Called(ctx, workflow)
	return args.Error(0)
}

func (m *MockApprovalRepository) CountBoundQuotes(ctx context.Context, workflowID uuid.UUID) (int64, error) {
	args := m.Called(ctx, workflowID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockApprovalRepository) CreateQuote(ctx context.Context, quote *models.Quote) error {
	args := m.Called(ctx, quote)
	return args.Error(0)
}

func (m *MockApprovalRepository) GetQuoteByID(ctx context.Context, id uuid.UUID) (*models.Quote, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Quote), args.Error(1)
}

func (m *MockApprovalRepository) UpdateQuote(ctx context.Context, quote *models.Quote) error {
	args := m.Called(ctx, quote)
	return args.Error(0)
}

func (m *MockApprovalRepository) UpdateQuoteApprovalStatus(ctx context.Context, quote *models.Quote, newStatus string) error {
	args := m.Called(ctx, quote, newStatus)
	if args.Error(0) == nil {
		quote.ApprovalStatus = newStatus
	}
	return args.Error(0)
}

func (m *MockApprovalRepository) CreateApproval(ctx context.Context, approval *models.QuoteApproval) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

func (m *MockApprovalRepository) GetApprovalByID(ctx context.Context, id uuid.UUID) (*models.QuoteApproval, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QuoteApproval), args.Error(1)
}

func (m *MockApprovalRepository) ListApprovalsByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.QuoteApproval, error) {
	args := m.Called(ctx, quoteID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QuoteApproval), args.Error(1)
}

func (m *MockApprovalRepository) FindPendingApprovals(ctx context.Context) ([]models.QuoteApproval, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QuoteApproval), args.Error(1)
}

func (m *MockApprovalRepository) ListPendingForApprover(ctx context.Context, tenantID, approverID string, limit, offset int) ([]models.QuoteApproval, int64, error) {
	args := m.Called(ctx, tenantID, approverID, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]models.QuoteApproval), args.Get(1).(int64), args.Error(2)
}

func (m *MockApprovalRepository) UpdateApprovalStatus(ctx context.Context, approval *models.QuoteApproval, newStatus string) error {
	args := m.Called(ctx, approval, newStatus)
	if args.Error(0) == nil {
		approval.Status = newStatus
		approval.Version++
	}
	return args.Error(0)
}

func (m *MockApprovalRepository) IncrementReminderCount(ctx context.Context, approvalID uuid.UUID, expectedCount int, at time.Time) (bool, error) {
	args := m.Called(ctx, approvalID, expectedCount, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockApprovalRepository) CancelPendingApprovals(ctx context.Context, quoteID uuid.UUID, reason string, exclude *uuid.UUID) ([]models.QuoteApproval, error) {
	args := m.Called(ctx, quoteID, reason, exclude)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QuoteApproval), args.Error(1)
}

func (m *MockApprovalRepository) MarkResolutionStalled(ctx context.Context, approvalID uuid.UUID) error {
	args := m.Called(ctx, approvalID)
	return args.Error(0)
}

func (m *MockApprovalRepository) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockApprovalRepository) GetQuoteHistory(ctx context.Context, quoteID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	args := m.Called(ctx, quoteID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ApprovalAuditLog), args.Error(1)
}

func (m *MockApprovalRepository) CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error {
	args := m.Called(ctx, delegation)
	return args.Error(0)
}

func (m *MockApprovalRepository) FindActiveDelegations(ctx context.Context, tenantID, delegatorID string, workflowID *uuid.UUID) ([]models.ApprovalDelegation, error) {
	args := m.Called(ctx, tenantID, delegatorID, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ApprovalDelegation), args.Error(1)
}

func (m *MockApprovalRepository) WithTransaction(ctx context.Context, fn func(txRepo repository.ApprovalRepositoryInterface) error) error {
	return fn(m)
}

// stubResolver resolves roles from a fixed map
type stubResolver struct {
	byRole map[string]string
	err    error
}

func (r *stubResolver) Resolve(_ context.Context, target clients.ResolveTarget, _ clients.QuoteContext) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if target.Role != "" {
		return r.byRole[target.Role], nil
	}
	if target.HierarchyLevel > 0 {
		return r.byRole["manager"], nil
	}
	return r.byRole[target.Department], nil
}

func (r *stubResolver) MembersOf(_ context.Context, _, role string) ([]string, error) {
	if id, ok := r.byRole[role]; ok {
		return []string{id}, nil
	}
	return nil, nil
}

// stubNotifier records dispatched events
type stubNotifier struct {
	events []NotificationEvent
}

func (n *stubNotifier) Dispatch(_ context.Context, event NotificationEvent) error {
	n.events = append(n.events, event)
	return nil
}

func (n *stubNotifier) eventTypes() []string {
	types := make([]string, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

// --- Test fixtures ---

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func createTestWorkflow() *models.ApprovalWorkflow {
	return &models.ApprovalWorkflow{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		Name:     "High Value Quote Approval",
		Conditions: []byte(`[
			{"type": "amount_threshold", "operator": "gt", "value": 50000, "priority": 10}
		]`),
		Levels: []byte(`[
			{"order": 1, "approvalType": "role", "approvers": [{"role": "sales_manager"}], "requiredApprovals": 1, "escalateToRole": "sales_director"},
			{"order": 2, "approvalType": "role", "approvers": [{"role": "finance_manager"}], "requiredApprovals": 1}
		]`),
		Settings: []byte(`{
			"requireComments": true,
			"allowDelegation": true,
			"reminderIntervalsHours": [12],
			"maxReminders": 1,
			"timeoutHours": 24,
			"escalationChain": ["vp_sales"]
		}`),
		IsActive: true,
	}
}

func createTestQuote(amount float64) *models.Quote {
	return &models.Quote{
		ID:             uuid.New(),
		TenantID:       "tenant-1",
		QuoteNumber:    "Q-2026-001",
		TotalAmount:    amount,
		Currency:       "USD",
		OwnerID:        uuid.New(),
		ApprovalStatus: models.QuoteStatusDraft,
	}
}

func createTestApproval(quote *models.Quote, workflowID uuid.UUID, levelOrder int, approverID string) *models.QuoteApproval {
	return &models.QuoteApproval{
		ID:           uuid.New(),
		TenantID:     quote.TenantID,
		QuoteID:      quote.ID,
		WorkflowID:   workflowID,
		LevelOrder:   levelOrder,
		LevelIndex:   levelOrder - 1,
		Status:       models.ApprovalStatusPending,
		Version:      1,
		ApproverID:   approverID,
		ApproverRole: "sales_manager",
		RequestedAt:  time.Now().Add(-time.Hour),
	}
}

func newTestService(repo *MockApprovalRepository, notifier *stubNotifier) *ApprovalService {
	logger := testLogger()
	resolver := &stubResolver{byRole: map[string]string{
		"sales_manager":   "mgr-1",
		"finance_manager": "fin-1",
		"sales_director":  "dir-1",
		"vp_sales":        "vp-1",
	}}
	selector := NewWorkflowSelector(repo, logger)
	return NewApprovalService(repo, selector, resolver, notifier, nil, logger)
}

// --- SubmitQuote ---

func TestSubmitQuote_BindsWorkflowAndActivatesFirstLevel(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)

	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("ListActiveWorkflows", mock.Anything, "tenant-1").Return([]models.ApprovalWorkflow{*workflow}, nil)
	repo.On("UpdateQuote", mock.Anything, mock.Anything).Return(nil)
	repo.On("FindActiveDelegations", mock.Anything, "tenant-1", "mgr-1", mock.Anything).Return([]models.ApprovalDelegation{}, nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.SubmitQuote(context.Background(), quote.ID, Actor{ID: "owner-1", Role: "sales_rep"})

	assert.NoError(t, err)
	assert.Equal(t, models.QuoteStatusPending, result.ApprovalStatus)
	assert.NotNil(t, result.WorkflowID)
	assert.NotNil(t, result.ChainBoundAt)

	// Only the first level activates; level 2 waits for level 1 to complete.
	repo.AssertNumberOfCalls(t, "CreateApproval", 1)
	assert.Equal(t, []string{models.TriggerApprovalRequested}, notifier.eventTypes())
	assert.Equal(t, "mgr-1", notifier.events[0].Approval.ApproverID)
}

func TestSubmitQuote_NoMatchMarksNotRequired(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(3000)

	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("ListActiveWorkflows", mock.Anything, "tenant-1").Return([]models.ApprovalWorkflow{*workflow}, nil)
	repo.On("UpdateQuoteApprovalStatus", mock.Anything, quote, models.QuoteStatusNotRequired).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.SubmitQuote(context.Background(), quote.ID, Actor{ID: "owner-1"})

	assert.NoError(t, err)
	assert.Equal(t, models.QuoteStatusNotRequired, result.ApprovalStatus)
	assert.Nil(t, result.WorkflowID)
	repo.AssertNotCalled(t, "CreateApproval", mock.Anything, mock.Anything)
	repo.AssertNumberOfCalls(t, "CreateAuditLog", 1)
	assert.Empty(t, notifier.events)
}

func TestSubmitQuote_AlreadyBoundReturnsConflict(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	quote := createTestQuote(75000)
	workflowID := uuid.New()
	boundAt := time.Now()
	quote.WorkflowID = &workflowID
	quote.ChainBoundAt = &boundAt
	quote.ApprovalStatus = models.QuoteStatusPending

	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)

	_, err := service.SubmitQuote(context.Background(), quote.ID, Actor{ID: "owner-1"})

	assert.ErrorIs(t, err, ErrWorkflowBound)
}

func TestSubmitQuote_ResolutionFailureStallsLevel(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	logger := testLogger()
	resolver := &stubResolver{byRole: map[string]string{}} // nobody resolves
	selector := NewWorkflowSelector(repo, logger)
	service := NewApprovalService(repo, selector, resolver, notifier, nil, logger)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)

	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("ListActiveWorkflows", mock.Anything, "tenant-1").Return([]models.ApprovalWorkflow{*workflow}, nil)
	repo.On("UpdateQuote", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	_, err := service.SubmitQuote(context.Background(), quote.ID, Actor{ID: "owner-1"})

	assert.NoError(t, err)
	repo.AssertNumberOfCalls(t, "CreateApproval", 1)
	// The stalled instance never produces an approval_requested notification.
	assert.Empty(t, notifier.events)

	createdApproval := repo.Calls[findCall(repo, "CreateApproval")].Arguments.Get(1).(*models.QuoteApproval)
	assert.True(t, createdApproval.ResolutionStalled)
	assert.Equal(t, "sales_manager", createdApproval.ApproverID)
}

func findCall(m *MockApprovalRepository, method string) int {
	for i, call := range m.Calls {
		if call.Method == method {
			return i
		}
	}
	return -1
}

// --- Respond ---

func TestRespond_ApproveAdvancesToNextLevel(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID
	boundAt := time.Now().Add(-time.Hour)
	quote.ChainBoundAt = &boundAt

	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusApproved).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)
	repo.On("ListApprovalsByQuote", mock.Anything, quote.ID).Return([]models.QuoteApproval{
		{ID: approval.ID, LevelOrder: 1, Status: models.ApprovalStatusApproved, ApproverRole: "sales_manager"},
	}, nil)
	repo.On("UpdateQuote", mock.Anything, quote).Return(nil)
	repo.On("FindActiveDelegations", mock.Anything, "tenant-1", "fin-1", mock.Anything).Return([]models.ApprovalDelegation{}, nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)

	result, err := service.Respond(context.Background(), approval.ID, Actor{ID: "mgr-1", Role: "sales_manager"}, models.DecisionApprove, "looks good")

	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, result.Status)
	assert.NotNil(t, result.RespondedAt)
	assert.Contains(t, quote.CompletedApprovers, "mgr-1")
	// Level 2 activates for the finance manager.
	repo.AssertNumberOfCalls(t, "CreateApproval", 1)
	assert.Equal(t, []string{models.TriggerApprovalRequested}, notifier.eventTypes())
	assert.Equal(t, models.QuoteStatusPending, quote.ApprovalStatus)
}

func TestRespond_FinalApprovalCompletesChain(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID
	quote.CompletedApprovers = []string{"mgr-1"}

	approval := createTestApproval(quote, workflow.ID, 2, "fin-1")
	approval.ApproverRole = "finance_manager"

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusApproved).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)
	repo.On("ListApprovalsByQuote", mock.Anything, quote.ID).Return([]models.QuoteApproval{
		{LevelOrder: 1, LevelIndex: 0, Status: models.ApprovalStatusApproved, ApproverRole: "sales_manager"},
		{ID: approval.ID, LevelOrder: 2, LevelIndex: 1, Status: models.ApprovalStatusApproved, ApproverRole: "finance_manager"},
	}, nil)
	repo.On("UpdateQuoteApprovalStatus", mock.Anything, quote, models.QuoteStatusApproved).Return(nil)

	result, err := service.Respond(context.Background(), approval.ID, Actor{ID: "fin-1", Role: "finance_manager"}, models.DecisionApprove, "")

	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, result.Status)
	assert.Equal(t, models.QuoteStatusApproved, quote.ApprovalStatus)
	assert.Equal(t, []string{models.TriggerApproved}, notifier.eventTypes())
	repo.AssertNotCalled(t, "CreateApproval", mock.Anything, mock.Anything)
}

func TestRespond_SameOrderLevelKeepsSiblingLevelPending(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	// Two distinct levels sharing order 1: both activate together and each
	// needs its own approval.
	workflow := createTestWorkflow()
	workflow.Levels = []byte(`[
		{"order": 1, "approvalType": "role", "approvers": [{"role": "sales_manager"}], "requiredApprovals": 1},
		{"order": 1, "approvalType": "role", "approvers": [{"role": "finance_manager"}], "requiredApprovals": 1}
	]`)
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID

	sales := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	finance := createTestApproval(quote, workflow.ID, 1, "fin-1")
	finance.LevelIndex = 1
	finance.ApproverRole = "finance_manager"

	repo.On("GetApprovalByID", mock.Anything, sales.ID).Return(sales, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, sales, models.ApprovalStatusApproved).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)
	repo.On("ListApprovalsByQuote", mock.Anything, quote.ID).Return([]models.QuoteApproval{
		{ID: sales.ID, LevelOrder: 1, LevelIndex: 0, Status: models.ApprovalStatusApproved, ApproverRole: "sales_manager"},
		{ID: finance.ID, LevelOrder: 1, LevelIndex: 1, Status: models.ApprovalStatusPending, ApproverRole: "finance_manager"},
	}, nil)
	repo.On("UpdateQuote", mock.Anything, quote).Return(nil)

	result, err := service.Respond(context.Background(), sales.ID, Actor{ID: "mgr-1", Role: "sales_manager"}, models.DecisionApprove, "")

	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, result.Status)
	// The finance level has its own quorum: the quote stays pending and the
	// finance instance is neither cancelled nor superseded.
	assert.Equal(t, models.QuoteStatusPending, quote.ApprovalStatus)
	repo.AssertNotCalled(t, "UpdateQuoteApprovalStatus", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "UpdateApprovalStatus", mock.Anything, mock.Anything, models.ApprovalStatusExpired)
	repo.AssertNotCalled(t, "CreateApproval", mock.Anything, mock.Anything)
	assert.Empty(t, notifier.eventTypes())
}

func TestRespond_SameOrderLevelsBothApproveCompletesChain(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	workflow.Levels = []byte(`[
		{"order": 1, "approvalType": "role", "approvers": [{"role": "sales_manager"}], "requiredApprovals": 1},
		{"order": 1, "approvalType": "role", "approvers": [{"role": "finance_manager"}], "requiredApprovals": 1}
	]`)
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID
	quote.CompletedApprovers = []string{"mgr-1"}

	finance := createTestApproval(quote, workflow.ID, 1, "fin-1")
	finance.LevelIndex = 1
	finance.ApproverRole = "finance_manager"

	repo.On("GetApprovalByID", mock.Anything, finance.ID).Return(finance, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, finance, models.ApprovalStatusApproved).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)
	repo.On("ListApprovalsByQuote", mock.Anything, quote.ID).Return([]models.QuoteApproval{
		{LevelOrder: 1, LevelIndex: 0, Status: models.ApprovalStatusApproved, ApproverRole: "sales_manager"},
		{ID: finance.ID, LevelOrder: 1, LevelIndex: 1, Status: models.ApprovalStatusApproved, ApproverRole: "finance_manager"},
	}, nil)
	repo.On("UpdateQuoteApprovalStatus", mock.Anything, quote, models.QuoteStatusApproved).Return(nil)

	result, err := service.Respond(context.Background(), finance.ID, Actor{ID: "fin-1", Role: "finance_manager"}, models.DecisionApprove, "")

	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, result.Status)
	assert.Equal(t, models.QuoteStatusApproved, quote.ApprovalStatus)
	assert.Equal(t, []string{models.TriggerApproved}, notifier.eventTypes())
}

func TestRespond_RejectTerminatesChain(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID

	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")
	other := createTestApproval(quote, workflow.ID, 1, "mgr-2")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusRejected).Return(nil)
	repo.On("CancelPendingApprovals", mock.Anything, quote.ID, models.CancelReasonChainRejected, &approval.ID).
		Return([]models.QuoteApproval{*other}, nil)
	repo.On("UpdateQuoteApprovalStatus", mock.Anything, quote, models.QuoteStatusRejected).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	result, err := service.Respond(context.Background(), approval.ID, Actor{ID: "mgr-1", Role: "sales_manager"}, models.DecisionReject, "pricing is off")

	assert.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, result.Status)
	assert.Equal(t, models.QuoteStatusRejected, quote.ApprovalStatus)
	// rejected + cancelled sibling + chain_rejected
	repo.AssertNumberOfCalls(t, "CreateAuditLog", 3)
	assert.Equal(t, []string{models.TriggerRejected}, notifier.eventTypes())
}

func TestRespond_RejectWithoutCommentsFails(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)

	_, err := service.Respond(context.Background(), approval.ID, Actor{ID: "mgr-1"}, models.DecisionReject, "")

	assert.ErrorIs(t, err, ErrMissingComments)
	repo.AssertNotCalled(t, "UpdateApprovalStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestRespond_SecondDecisionOnSameApprovalFails(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusRejected).Return(nil)
	repo.On("CancelPendingApprovals", mock.Anything, quote.ID, models.CancelReasonChainRejected, &approval.ID).
		Return([]models.QuoteApproval{}, nil)
	repo.On("UpdateQuoteApprovalStatus", mock.Anything, quote, models.QuoteStatusRejected).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	_, err := service.Respond(context.Background(), approval.ID, Actor{ID: "mgr-1"}, models.DecisionReject, "no")
	assert.NoError(t, err)

	// The instance is terminal now; a second decision must not go through.
	_, err = service.Respond(context.Background(), approval.ID, Actor{ID: "mgr-1"}, models.DecisionReject, "still no")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRespond_UnauthorizedActorFails(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("FindActiveDelegations", mock.Anything, "tenant-1", "mgr-1", mock.Anything).Return([]models.ApprovalDelegation{}, nil)

	_, err := service.Respond(context.Background(), approval.ID, Actor{ID: "someone-else"}, models.DecisionApprove, "")

	assert.ErrorIs(t, err, ErrUnauthorizedApprover)
}

func TestRespond_AmountCapBlocksApproval(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()
	workflow.Levels = []byte(`[
		{"order": 1, "approvalType": "amount_based", "approvers": [{"role": "sales_manager", "maxAmount": 50000}], "requiredApprovals": 1}
	]`)
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)

	_, err := service.Respond(context.Background(), approval.ID, Actor{ID: "mgr-1", Role: "sales_manager"}, models.DecisionApprove, "")

	assert.ErrorIs(t, err, ErrApproverCapExceeded)
}

// --- Delegate ---

func TestDelegate_CreatesSuccessorInstance(t *testing.T) {
	repo := new(MockApprovalRepository)
	notifier := &stubNotifier{}
	service := newTestService(repo, notifier)

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("UpdateApprovalStatus", mock.Anything, approval, models.ApprovalStatusDelegated).Return(nil)
	repo.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateAuditLog", mock.Anything, mock.Anything).Return(nil)

	successor, err := service.Delegate(context.Background(), approval.ID, Actor{ID: "mgr-1"}, "mgr-2", "out of office")

	assert.NoError(t, err)
	assert.Equal(t, "mgr-2", successor.ApproverID)
	assert.Equal(t, approval.LevelOrder, successor.LevelOrder)
	assert.Equal(t, approval.LevelIndex, successor.LevelIndex)
	assert.Equal(t, models.ApprovalStatusDelegated, approval.Status)
	assert.Equal(t, successor.ID, *approval.DelegatedToID)
	assert.Equal(t, []string{models.TriggerDelegated, models.TriggerApprovalRequested}, notifier.eventTypes())
}

func TestDelegate_DisallowedByWorkflowSettings(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()
	workflow.Settings = []byte(`{"allowDelegation": false}`)
	quote := createTestQuote(75000)
	quote.WorkflowID = &workflow.ID
	approval := createTestApproval(quote, workflow.ID, 1, "mgr-1")

	repo.On("GetApprovalByID", mock.Anything, approval.ID).Return(approval, nil)
	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)

	_, err := service.Delegate(context.Background(), approval.ID, Actor{ID: "mgr-1"}, "mgr-2", "")

	assert.ErrorIs(t, err, ErrDelegationNotAllowed)
}

// --- ChainStatus ---

func TestChainStatus_ReportsProgress(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()
	quote := createTestQuote(75000)
	quote.ApprovalStatus = models.QuoteStatusPending
	quote.WorkflowID = &workflow.ID

	repo.On("GetQuoteByID", mock.Anything, quote.ID).Return(quote, nil)
	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("ListApprovalsByQuote", mock.Anything, quote.ID).Return([]models.QuoteApproval{
		{LevelOrder: 1, LevelIndex: 0, Status: models.ApprovalStatusApproved},
		{LevelOrder: 2, LevelIndex: 1, Status: models.ApprovalStatusPending},
	}, nil)

	progress, err := service.ChainStatus(context.Background(), quote.ID)

	assert.NoError(t, err)
	assert.Equal(t, 2, progress.TotalLevels)
	assert.Equal(t, 1, progress.CompletedLevels)
	assert.Equal(t, 2, progress.CurrentLevel)
	assert.InDelta(t, 50.0, progress.PercentComplete, 0.01)
}

// --- Workflow administration ---

func TestUpdateWorkflow_BoundQuotesCreateSuccessorVersion(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()

	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)
	repo.On("CountBoundQuotes", mock.Anything, workflow.ID).Return(int64(3), nil)
	repo.On("UpdateWorkflow", mock.Anything, workflow).Return(nil)
	repo.On("CreateWorkflow", mock.Anything, mock.Anything).Return(nil)

	updated := &models.ApprovalWorkflow{
		Conditions: workflow.Conditions,
		Levels:     workflow.Levels,
		Settings:   workflow.Settings,
	}
	successor, err := service.UpdateWorkflow(context.Background(), workflow.ID, updated)

	assert.NoError(t, err)
	assert.NotEqual(t, workflow.ID, successor.ID)
	assert.False(t, workflow.IsActive)
	assert.True(t, successor.IsActive)
}

func TestUpdateWorkflow_SystemWorkflowRejected(t *testing.T) {
	repo := new(MockApprovalRepository)
	service := newTestService(repo, &stubNotifier{})

	workflow := createTestWorkflow()
	workflow.IsSystem = true

	repo.On("GetWorkflowByID", mock.Anything, workflow.ID).Return(workflow, nil)

	_, err := service.UpdateWorkflow(context.Background(), workflow.ID, &models.ApprovalWorkflow{
		Conditions: workflow.Conditions,
		Levels:     workflow.Levels,
		Settings:   workflow.Settings,
	})

	assert.ErrorIs(t, err, ErrWorkflowImmutable)
	repo.AssertNotCalled(t, "UpdateWorkflow", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "CreateWorkflow", mock.Anything, mock.Anything)
}
