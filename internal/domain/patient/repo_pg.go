package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aligner/admin/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const restrictedCols = `id, name, expo_token, video_url, is_eligible, estimated_steps, notes,
	assessed_at, created_at, updated_at`

const contactCols = `id, name, email, phone, expo_token, video_url, is_eligible, estimated_steps,
	notes, assessed_at, created_at, updated_at`

func scanRestricted(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.ExpoToken, &p.VideoURL, &p.IsEligible, &p.EstimatedSteps,
		&p.Notes, &p.AssessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	row := db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (name, email, phone, expo_token, video_url, is_eligible, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Email, p.Phone, p.ExpoToken, p.VideoURL, p.IsEligible, p.AssessedAt)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return classify("create patient", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanRestricted(db.QuerierFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+restrictedCols+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get patient", err)
	}
	return p, nil
}

func (r *repoPG) GetContact(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := db.QuerierFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+contactCols+` FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.ExpoToken, &p.VideoURL, &p.IsEligible,
			&p.EstimatedSteps, &p.Notes, &p.AssessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, classify("get patient contact", err)
	}
	return &p, nil
}

func (r *repoPG) List(ctx context.Context) ([]*Patient, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx,
		`SELECT `+restrictedCols+` FROM patients ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, classify("list patients", err)
	}
	defer rows.Close()

	out := []*Patient{}
	for rows.Next() {
		p, err := scanRestricted(rows)
		if err != nil {
			return nil, classify("scan patient", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list patients", err)
	}
	return out, nil
}

func (r *repoPG) Update(ctx context.Context, id uuid.UUID, patch Patch, now time.Time) (*Patient, error) {
	sets, args := updateClause(patch, now)
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE patients SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), restrictedCols)

	p, err := scanRestricted(db.QuerierFrom(ctx, r.pool).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, classify("update patient", err)
	}
	return p, nil
}

// updateClause turns the patch into SET assignments. updated_at is always
// first so an empty patch still touches the row.
func updateClause(patch Patch, now time.Time) ([]string, []any) {
	sets := []string{"updated_at = $1"}
	args := []any{now}
	add := func(col string, set bool, v any) {
		if !set {
			return
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Name.Set {
		add("name", true, strings.TrimSpace(patch.Name.Value))
	}
	add("email", patch.Email.Set, patch.Email.Ptr())
	add("phone", patch.Phone.Set, patch.Phone.Ptr())
	add("expo_token", patch.ExpoToken.Set, patch.ExpoToken.Ptr())
	add("video_url", patch.VideoURL.Set, patch.VideoURL.Ptr())
	add("is_eligible", patch.IsEligible.Set, patch.IsEligible.Value)
	add("estimated_steps", patch.EstimatedSteps.Set, patch.EstimatedSteps.Ptr())
	add("notes", patch.Notes.Set, patch.Notes.Ptr())
	add("assessed_at", patch.AssessedAt.Set, patch.AssessedAt.Ptr())
	return sets, args
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.QuerierFrom(ctx, r.pool).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return classify("delete patient", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) VideoURLs(ctx context.Context) ([]string, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx,
		`SELECT video_url FROM patients WHERE video_url IS NOT NULL`)
	if err != nil {
		return nil, classify("list video urls", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, classify("scan video url", err)
		}
		urls = append(urls, u)
	}
	return urls, classify("list video urls", rows.Err())
}

// constraintFields names the request field behind each table constraint.
var constraintFields = map[string]string{
	"patients_name_check":            "name",
	"patients_estimated_steps_check": "estimated_steps",
	"patients_name_length":           "name",
	"patients_email_length":          "email",
	"patients_phone_length":          "phone",
	"patients_expo_token_length":     "expo_token",
	"patients_video_url_length":      "video_url",
}

// classify maps driver errors onto the package's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "23502":
			field := pgErr.ColumnName
			if f, ok := constraintFields[pgErr.ConstraintName]; ok {
				field = f
			} else if field == "" {
				field = pgErr.ConstraintName
			}
			return &ValidationError{Field: field, Reason: "is out of range"}
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
