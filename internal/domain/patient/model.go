package patient

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("patient not found")
	ErrValidation = errors.New("invalid patient data")
	ErrStore      = errors.New("patient store failure")
)

// ValidationError names the offending field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Patient is the full stored row, contact details included.
type Patient struct {
	ID             uuid.UUID
	Name           string
	Email          *string
	Phone          *string
	ExpoToken      *string
	VideoURL       *string
	IsEligible     bool
	EstimatedSteps *int
	Notes          *string
	AssessedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Record is what API and dashboard callers see: the patient without email
// or phone.
type Record struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	ExpoToken      *string    `json:"expo_token"`
	VideoURL       *string    `json:"video_url"`
	IsEligible     bool       `json:"is_eligible"`
	EstimatedSteps *int       `json:"estimated_steps"`
	Notes          *string    `json:"notes"`
	AssessedAt     *time.Time `json:"assessed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (p *Patient) Record() *Record {
	return &Record{
		ID:             p.ID,
		Name:           p.Name,
		ExpoToken:      p.ExpoToken,
		VideoURL:       p.VideoURL,
		IsEligible:     p.IsEligible,
		EstimatedSteps: p.EstimatedSteps,
		Notes:          p.Notes,
		AssessedAt:     p.AssessedAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// Status is the dashboard's derived assessment state.
type Status string

const (
	StatusCompleted     Status = "Completed"
	StatusPendingReview Status = "Pending Review"
	StatusAwaitingVideo Status = "Awaiting Video"
)

// Status: an assessed patient is Completed regardless of video; otherwise a
// video means Pending Review.
func (r *Record) Status() Status {
	switch {
	case r.AssessedAt != nil:
		return StatusCompleted
	case r.VideoURL != nil && *r.VideoURL != "":
		return StatusPendingReview
	default:
		return StatusAwaitingVideo
	}
}

// NotificationPayload is the body posted to the webhook sink. Absent optional
// values serialize as explicit nulls.
type NotificationPayload struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Email          *string    `json:"email"`
	Phone          *string    `json:"phone"`
	ExpoToken      *string    `json:"expo_token"`
	VideoURL       *string    `json:"video_url"`
	EstimatedSteps *int       `json:"estimated_steps"`
	IsEligible     bool       `json:"is_eligible"`
	Notes          *string    `json:"notes"`
	AssessedAt     *time.Time `json:"assessed_at"`
}

func (p *Patient) NotificationPayload() *NotificationPayload {
	return &NotificationPayload{
		ID:             p.ID,
		Name:           p.Name,
		Email:          p.Email,
		Phone:          p.Phone,
		ExpoToken:      p.ExpoToken,
		VideoURL:       p.VideoURL,
		EstimatedSteps: p.EstimatedSteps,
		IsEligible:     p.IsEligible,
		Notes:          p.Notes,
		AssessedAt:     p.AssessedAt,
	}
}

// CreateInput is the body of a create request. Empty optional strings are
// stored as null.
// Text column limits. The CreateInput tags and the table CHECK constraints
// carry the same numbers.
const (
	maxNameLen      = 200
	maxEmailLen     = 320
	maxPhoneLen     = 64
	maxExpoTokenLen = 512
	maxVideoURLLen  = 2048
)

type CreateInput struct {
	Name       string     `json:"name" validate:"required,max=200"`
	Email      *string    `json:"email" validate:"omitempty,max=320"`
	Phone      *string    `json:"phone" validate:"omitempty,max=64"`
	ExpoToken  *string    `json:"expo_token" validate:"omitempty,max=512"`
	VideoURL   *string    `json:"video_url" validate:"omitempty,max=2048"`
	AssessedAt *time.Time `json:"assessed_at"`
}
