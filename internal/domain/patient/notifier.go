package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aligner/admin/internal/platform/queue"
	"github.com/aligner/admin/internal/platform/telemetry"
	"github.com/aligner/admin/internal/platform/webhook"
)

// Sender delivers a payload to the webhook sink.
type Sender interface {
	Configured() bool
	Send(ctx context.Context, payload any) (*webhook.Delivery, error)
}

// Notifier consumes AssessmentEvents and posts them to the sink, one attempt
// each. Failures are logged and counted, never surfaced to the request that
// produced the event.
type Notifier struct {
	repo    Repository
	sender  Sender
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func NewNotifier(repo Repository, sender Sender, metrics *telemetry.Metrics, logger zerolog.Logger) *Notifier {
	return &Notifier{
		repo:    repo,
		sender:  sender,
		metrics: metrics,
		logger:  logger.With().Str("component", "assessment-notifier").Logger(),
	}
}

// Handle satisfies queue.Handler. Only malformed messages produce an error.
func (n *Notifier) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Kind != EventAssessmentCompleted {
		return fmt.Errorf("unexpected message kind %q", msg.Kind)
	}
	var ev AssessmentEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return fmt.Errorf("decode assessment event: %w", err)
	}
	n.Notify(ctx, ev)
	return nil
}

// Notify builds the payload for ev and sends it.
func (n *Notifier) Notify(ctx context.Context, ev AssessmentEvent) {
	log := n.logger.With().Str("patient_id", ev.PatientID.String()).Logger()
	start := time.Now()

	if !n.sender.Configured() {
		n.metrics.RecordNotification(telemetry.OutcomeNotConfigured, 0)
		log.Warn().Msg("webhook url not configured, skipping assessment notification")
		return
	}

	payload := ev.Snapshot
	if payload == nil {
		p, err := n.repo.GetContact(ctx, ev.PatientID)
		if err != nil {
			n.metrics.RecordNotification(telemetry.OutcomeFetchFailed, time.Since(start))
			log.Error().Err(err).Msg("could not load patient for assessment notification")
			return
		}
		payload = p.NotificationPayload()
	}

	d, err := n.sender.Send(ctx, payload)
	took := time.Since(start)
	switch {
	case err == nil:
		n.metrics.RecordNotification(telemetry.OutcomeDelivered, took)
		log.Info().Str("delivery_id", d.ID).Int("status", d.StatusCode).Dur("took", took).
			Msg("assessment notification delivered")
	case errors.Is(err, webhook.ErrSinkRejected):
		n.metrics.RecordNotification(telemetry.OutcomeRejected, took)
		ev := log.Error().Err(err)
		if d != nil {
			ev = ev.Str("delivery_id", d.ID).Int("status", d.StatusCode).Str("response", d.ResponseBody)
		}
		ev.Msg("webhook rejected assessment notification")
	case errors.Is(err, webhook.ErrNotConfigured):
		n.metrics.RecordNotification(telemetry.OutcomeNotConfigured, took)
		log.Warn().Msg("webhook url not configured, skipping assessment notification")
	default:
		n.metrics.RecordNotification(telemetry.OutcomeTransport, took)
		log.Error().Err(err).Msg("assessment notification failed")
	}
}
