package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quote-approval-service/internal/clients"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/repository"
	"quote-approval-service/internal/services"
)

const retryBatchSize = 50

// Dispatcher routes approval lifecycle events to notification rules,
// applying dedup and rate limits before handing deliveries to the sender.
// Every attempted, deferred or failed delivery leaves a log row.
type Dispatcher struct {
	repo     repository.NotificationRepositoryInterface
	store    DedupStore
	sender   clients.DeliverySender
	resolver clients.ApproverResolver
	logger   *logrus.Entry
}

var _ services.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(
	repo repository.NotificationRepositoryInterface,
	store DedupStore,
	sender clients.DeliverySender,
	resolver clients.ApproverResolver,
	logger *logrus.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		store:    store,
		sender:   sender,
		resolver: resolver,
		logger:   logger.WithField("component", "notification_dispatcher"),
	}
}

// Dispatch matches the event against active rules and delivers to each
// rule's channels. Per-delivery failures are recorded and retried on later
// ticks; they do not propagate to the state transition that raised the event.
func (d *Dispatcher) Dispatch(ctx context.Context, event services.NotificationEvent) error {
	rules, err := d.repo.ListActiveRules(ctx, event.TenantID, event.Type)
	if err != nil {
		return fmt.Errorf("failed to load notification rules: %w", err)
	}

	for i := range rules {
		if err := d.dispatchRule(ctx, &rules[i], event); err != nil {
			d.logger.WithError(err).WithField("rule_id", rules[i].ID).Error("Rule dispatch failed")
		}
	}
	return nil
}

func (d *Dispatcher) dispatchRule(ctx context.Context, rule *models.NotificationRule, event services.NotificationEvent) error {
	if len(rule.Conditions) > 0 && event.Quote != nil {
		var conditions []models.TriggerCondition
		if err := json.Unmarshal(rule.Conditions, &conditions); err != nil {
			return fmt.Errorf("malformed rule conditions: %w", err)
		}
		if !services.EvaluateConditions(event.Quote, conditions) {
			return nil
		}
	}

	var channels []models.NotificationChannel
	if err := json.Unmarshal(rule.Channels, &channels); err != nil {
		return fmt.Errorf("malformed rule channels: %w", err)
	}

	payload := buildPayload(event)

	for _, channel := range channels {
		if !channel.Enabled {
			continue
		}
		recipients, err := d.expandRecipients(ctx, channel, event)
		if err != nil {
			d.logger.WithError(err).WithField("channel", channel.Type).Warn("Recipient expansion failed")
			continue
		}

		for _, recipient := range recipients {
			// Dedup runs before the rate limit so a suppressed duplicate
			// never consumes a window slot.
			if suppressed, err := d.suppressDuplicate(ctx, rule, event, channel.Type, recipient); err != nil {
				d.logger.WithError(err).Warn("Dedup check failed, sending anyway")
			} else if suppressed {
				d.logger.WithFields(logrus.Fields{
					"rule_id":   rule.ID,
					"recipient": recipient,
				}).Debug("Duplicate notification suppressed")
				continue
			}

			if overLimit, err := d.overRateLimit(ctx, rule, event.Type); err != nil {
				d.logger.WithError(err).Warn("Rate limit check failed, sending anyway")
			} else if overLimit {
				// Deferred rows stay observable and are re-driven by the
				// scheduler once the window clears.
				d.recordDelivery(ctx, rule, event, channel.Type, recipient,
					models.DeliveryStatusDeferred, 0, "rate limit exceeded", nil)
				continue
			}

			d.attemptSend(ctx, rule, event, channel.Type, recipient, payload)
		}
	}
	return nil
}

// overRateLimit checks the rule's hourly cap and, for escalation events, the
// daily escalation cap. Each call consumes one window slot, so the caps count
// individual deliveries.
func (d *Dispatcher) overRateLimit(ctx context.Context, rule *models.NotificationRule, eventType string) (bool, error) {
	if rule.MaxPerHour > 0 {
		key := fmt.Sprintf("notif:rate:hour:%s:%s", rule.TenantID, rule.ID)
		count, err := d.store.IncrWindow(ctx, key, time.Hour)
		if err != nil {
			return false, err
		}
		if count > int64(rule.MaxPerHour) {
			return true, nil
		}
	}
	if eventType == models.TriggerEscalated && rule.MaxEscalationsPerDay > 0 {
		key := fmt.Sprintf("notif:rate:day:esc:%s:%s", rule.TenantID, rule.ID)
		count, err := d.store.IncrWindow(ctx, key, 24*time.Hour)
		if err != nil {
			return false, err
		}
		if count > int64(rule.MaxEscalationsPerDay) {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) suppressDuplicate(ctx context.Context, rule *models.NotificationRule, event services.NotificationEvent, channel, recipient string) (bool, error) {
	if rule.MinIntervalMinutes <= 0 {
		return false, nil
	}
	subject := ""
	if event.Approval != nil {
		subject = event.Approval.ID.String()
	} else if event.Quote != nil {
		subject = event.Quote.ID.String()
	}
	key := fmt.Sprintf("notif:dedup:%s:%s:%s:%s", subject, event.Type, channel, recipient)
	won, err := d.store.Acquire(ctx, key, time.Duration(rule.MinIntervalMinutes)*time.Minute)
	if err != nil {
		return false, err
	}
	return !won, nil
}

func (d *Dispatcher) attemptSend(
	ctx context.Context,
	rule *models.NotificationRule,
	event services.NotificationEvent,
	channel, recipient string,
	payload clients.DeliveryPayload,
) {
	err := d.sender.Send(ctx, channel, recipient, payload)
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"channel":   channel,
			"recipient": recipient,
		}).Error("Notification delivery failed")
		d.recordDelivery(ctx, rule, event, channel, recipient, models.DeliveryStatusFailed, 1, err.Error(), nil)
		return
	}
	now := time.Now()
	d.recordDelivery(ctx, rule, event, channel, recipient, models.DeliveryStatusSent, 1, "", &now)
}

func (d *Dispatcher) recordDelivery(
	ctx context.Context,
	rule *models.NotificationRule,
	event services.NotificationEvent,
	channel, recipient, status string,
	attempts int,
	lastError string,
	sentAt *time.Time,
) {
	log := &models.NotificationLog{
		TenantID:  event.TenantID,
		RuleID:    rule.ID,
		EventType: event.Type,
		Channel:   channel,
		Recipient: recipient,
		Status:    status,
		Attempts:  attempts,
		LastError: lastError,
		SentAt:    sentAt,
	}
	if event.Quote != nil {
		log.QuoteID = event.Quote.ID
	}
	if event.Approval != nil {
		log.ApprovalID = &event.Approval.ID
	}
	if err := d.repo.CreateLog(ctx, log); err != nil {
		d.logger.WithError(err).Error("Failed to record delivery log")
	}
}

// expandRecipients resolves a channel definition to concrete recipients.
// With neither a recipient list nor a role, the assigned approver is the
// recipient.
func (d *Dispatcher) expandRecipients(ctx context.Context, channel models.NotificationChannel, event services.NotificationEvent) ([]string, error) {
	if channel.Type == models.ChannelWebhook {
		if channel.WebhookURL == "" {
			return nil, fmt.Errorf("webhook channel without url")
		}
		return []string{channel.WebhookURL}, nil
	}
	if len(channel.Recipients) > 0 {
		return channel.Recipients, nil
	}
	if channel.Role != "" {
		return d.resolver.MembersOf(ctx, event.TenantID, channel.Role)
	}
	if event.Approval != nil && event.Approval.ApproverID != "" {
		return []string{event.Approval.ApproverID}, nil
	}
	return nil, nil
}

// ProcessRetries re-drives deferred and failed deliveries. Called from the
// scheduler tick. A deferred delivery re-checks its rule's rate window and
// stays deferred while the window is closed. Deliveries that exhaust
// MaxDeliveryAttempts stay failed and are surfaced through the stats endpoint
// rather than retried forever.
func (d *Dispatcher) ProcessRetries(ctx context.Context) (retried, exhausted int, err error) {
	deferred, err := d.repo.FindDeferred(ctx, retryBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load deferred deliveries: %w", err)
	}
	failed, err := d.repo.FindFailedRetryable(ctx, retryBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load failed deliveries: %w", err)
	}

	ruleCache := make(map[uuid.UUID]*models.NotificationRule)
	for i := range deferred {
		log := &deferred[i]
		rule, err := d.ruleFor(ctx, log.RuleID, ruleCache)
		if err != nil {
			d.logger.WithError(err).WithField("log_id", log.ID).Error("Failed to load rule for deferred delivery")
			continue
		}
		if rule != nil {
			if overLimit, err := d.overRateLimit(ctx, rule, log.EventType); err != nil {
				d.logger.WithError(err).Warn("Rate limit check failed, retrying anyway")
			} else if overLimit {
				// Window still closed; the row stays deferred for a later tick.
				continue
			}
		}
		if d.retryOne(ctx, log) {
			retried++
		}
	}
	for i := range failed {
		log := &failed[i]
		if d.retryOne(ctx, log) {
			retried++
		} else if log.Attempts >= models.MaxDeliveryAttempts {
			exhausted++
			d.logger.WithFields(logrus.Fields{
				"log_id":    log.ID,
				"recipient": log.Recipient,
			}).Error("Delivery attempts exhausted, giving up")
		}
	}
	return retried, exhausted, nil
}

// ruleFor loads the rule behind a delivery log, caching per tick. A deleted
// rule yields nil; its leftover deliveries retry without rate limits.
func (d *Dispatcher) ruleFor(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]*models.NotificationRule) (*models.NotificationRule, error) {
	if rule, ok := cache[id]; ok {
		return rule, nil
	}
	rule, err := d.repo.GetRuleByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			cache[id] = nil
			return nil, nil
		}
		return nil, err
	}
	cache[id] = rule
	return rule, nil
}

func (d *Dispatcher) retryOne(ctx context.Context, log *models.NotificationLog) bool {
	payload := clients.DeliveryPayload{
		TenantID:  log.TenantID,
		EventType: log.EventType,
		QuoteID:   log.QuoteID.String(),
	}
	if log.ApprovalID != nil {
		payload.ApprovalID = log.ApprovalID.String()
	}

	log.Attempts++
	if err := d.sender.Send(ctx, log.Channel, log.Recipient, payload); err != nil {
		log.Status = models.DeliveryStatusFailed
		log.LastError = err.Error()
	} else {
		now := time.Now()
		log.Status = models.DeliveryStatusSent
		log.LastError = ""
		log.SentAt = &now
	}

	if err := d.repo.UpdateLog(ctx, log); err != nil {
		d.logger.WithError(err).WithField("log_id", log.ID).Error("Failed to update delivery log")
		return false
	}
	return log.Status == models.DeliveryStatusSent
}

func buildPayload(event services.NotificationEvent) clients.DeliveryPayload {
	payload := clients.DeliveryPayload{
		TenantID:  event.TenantID,
		EventType: event.Type,
		Variables: map[string]string{},
	}
	if event.Quote != nil {
		payload.QuoteID = event.Quote.ID.String()
		payload.QuoteNumber = event.Quote.QuoteNumber
		payload.Variables["amount"] = fmt.Sprintf("%.2f", event.Quote.TotalAmount)
		payload.Variables["currency"] = event.Quote.Currency
		payload.Variables["status"] = event.Quote.ApprovalStatus
	}
	if event.Approval != nil {
		payload.ApprovalID = event.Approval.ID.String()
		payload.Variables["approverId"] = event.Approval.ApproverID
		payload.Variables["levelOrder"] = fmt.Sprintf("%d", event.Approval.LevelOrder)
	}
	return payload
}
