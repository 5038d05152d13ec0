package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"quote-approval-service/internal/notifications"
	"quote-approval-service/internal/services"
)

// EscalationJob drives the time-based side of the approval engine: it runs
// the escalation tick and re-drives held-back deliveries on a fixed interval.
type EscalationJob struct {
	escalations *services.EscalationService
	dispatcher  *notifications.Dispatcher
	interval    time.Duration
	logger      *logrus.Entry
	stopCh      chan struct{}
}

// NewEscalationJob creates a new escalation job
func NewEscalationJob(
	escalations *services.EscalationService,
	dispatcher *notifications.Dispatcher,
	interval time.Duration,
	logger *logrus.Logger,
) *EscalationJob {
	return &EscalationJob{
		escalations: escalations,
		dispatcher:  dispatcher,
		interval:    interval,
		logger:      logger.WithField("component", "escalation_job"),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the job loop until the context is cancelled or Stop is called.
// The first tick runs immediately so a restart does not delay overdue work.
func (j *EscalationJob) Start(ctx context.Context) {
	j.logger.WithField("interval", j.interval.String()).Info("Starting escalation job")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Escalation job stopped: context cancelled")
			return
		case <-j.stopCh:
			j.logger.Info("Escalation job stopped")
			return
		case <-ticker.C:
			j.run(ctx)
		}
	}
}

// Stop signals the job loop to exit
func (j *EscalationJob) Stop() {
	close(j.stopCh)
}

func (j *EscalationJob) run(ctx context.Context) {
	if _, err := j.escalations.ProcessTick(ctx, time.Now()); err != nil {
		j.logger.WithError(err).Error("Escalation tick failed")
	}
	if j.dispatcher != nil {
		if retried, exhausted, err := j.dispatcher.ProcessRetries(ctx); err != nil {
			j.logger.WithError(err).Error("Delivery retry pass failed")
		} else if retried > 0 || exhausted > 0 {
			j.logger.WithFields(logrus.Fields{
				"retried":   retried,
				"exhausted": exhausted,
			}).Info("Delivery retry pass completed")
		}
	}
}
