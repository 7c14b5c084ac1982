package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists patients. Get and List return the restricted column
// set, so Email and Phone are always nil on their results; GetContact is the
// only read that includes them.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetContact(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	Update(ctx context.Context, id uuid.UUID, patch Patch, now time.Time) (*Patient, error)
	Delete(ctx context.Context, id uuid.UUID) error
	VideoURLs(ctx context.Context) ([]string, error)
}
