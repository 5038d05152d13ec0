package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// ApprovalEvent is the message published on quote approval lifecycle
// transitions. Subjects follow quote.approval.<eventType>.
type ApprovalEvent struct {
	EventType   string    `json:"eventType"`
	TenantID    string    `json:"tenantId"`
	QuoteID     string    `json:"quoteId"`
	QuoteNumber string    `json:"quoteNumber,omitempty"`
	ApprovalID  string    `json:"approvalId,omitempty"`
	LevelOrder  int       `json:"levelOrder,omitempty"`
	ApproverID  string    `json:"approverId,omitempty"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher publishes approval lifecycle events to NATS
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewPublisher connects to NATS and returns a publisher
func NewPublisher(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("quote-approval-service"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{
		conn:   conn,
		logger: logger.WithField("component", "event_publisher"),
	}, nil
}

// Publish sends one approval event. Event delivery is best effort; a publish
// failure is logged and returned but never blocks the state transition that
// produced it.
func (p *Publisher) Publish(event ApprovalEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := "quote.approval." + event.EventType
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.WithError(err).WithField("subject", subject).Error("Failed to publish event")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"quote_id": event.QuoteID,
	}).Debug("Published approval event")
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.WithError(err).Warn("Error draining NATS connection")
		}
	}
}
