package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aligner/admin/internal/platform/queue"
	"github.com/aligner/admin/internal/platform/telemetry"
)

// EventAssessmentCompleted is the queue message kind handled by Notifier.
const EventAssessmentCompleted = "assessment.completed"

// AssessmentEvent asks the notifier to announce a finished assessment.
// Snapshot is set on create, where the payload is built from the inserted
// row plus the request's contact fields; otherwise the notifier re-reads the
// patient.
type AssessmentEvent struct {
	PatientID uuid.UUID            `json:"patient_id"`
	Snapshot  *NotificationPayload `json:"snapshot,omitempty"`
}

// Publisher is the write half of queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

type Service struct {
	repo     Repository
	events   Publisher
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	validate *validator.Validate
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds the patient service. events may be nil, in which case no
// notifications are produced.
func NewService(repo Repository, events Publisher, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		events:   events,
		logger:   logger.With().Str("component", "patient").Logger(),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) List(ctx context.Context) ([]*Record, error) {
	patients, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(patients))
	for _, p := range patients {
		out = append(out, p.Record())
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Record(), nil
}

// Create inserts a patient. A supplied assessed_at is stored and also
// triggers a notification for the new record.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Record, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, toValidationError(err)
	}

	p := &Patient{
		Name:       in.Name,
		Email:      nonEmpty(in.Email),
		Phone:      nonEmpty(in.Phone),
		ExpoToken:  nonEmpty(in.ExpoToken),
		VideoURL:   nonEmpty(in.VideoURL),
		IsEligible: true,
		AssessedAt: in.AssessedAt,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	if p.AssessedAt != nil {
		s.publish(ctx, AssessmentEvent{PatientID: p.ID, Snapshot: p.NotificationPayload()})
	}
	return p.Record(), nil
}

// Update applies a sparse patch. updated_at is stamped even when the patch
// is empty. A concrete assessed_at queues a notification once the write has
// succeeded.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch) (*Record, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	p, err := s.repo.Update(ctx, id, patch, s.now())
	if err != nil {
		return nil, err
	}
	if patch.CompletesAssessment() {
		s.publish(ctx, AssessmentEvent{PatientID: id})
	}
	return p.Record(), nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// publish never fails the caller; a lost notification is logged and counted.
func (s *Service) publish(ctx context.Context, ev AssessmentEvent) {
	if s.events == nil {
		return
	}
	msg, err := queue.NewMessage(EventAssessmentCompleted, ev)
	if err == nil {
		err = s.events.Publish(context.WithoutCancel(ctx), msg)
	}
	if err != nil {
		s.metrics.RecordNotification(telemetry.OutcomeDropped, 0)
		s.logger.Error().Err(err).Str("patient_id", ev.PatientID.String()).
			Msg("assessment notification not queued")
		return
	}
	s.logger.Debug().Str("patient_id", ev.PatientID.String()).Str("message_id", msg.ID).
		Msg("assessment notification queued")
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "is invalid"
		switch fe.Tag() {
		case "required":
			reason = "is required"
		case "max":
			reason = fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return &ValidationError{Field: jsonName(fe.Field()), Reason: reason}
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

var jsonNames = map[string]string{
	"Name":      "name",
	"Email":     "email",
	"Phone":     "phone",
	"ExpoToken": "expo_token",
	"VideoURL":  "video_url",
}

func jsonName(field string) string {
	if n, ok := jsonNames[field]; ok {
		return n
	}
	return strings.ToLower(field)
}
