package patient

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aligner/admin/internal/platform/db"
	"github.com/aligner/admin/migrations"
)

// pgRepo migrates the database at DATABASE_URL and returns a repository
// whose calls run inside one transaction that is rolled back on cleanup.
func pgRepo(t *testing.T) (Repository, context.Context, pgx.Tx) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres repository test")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 4, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.NewMigrator(pool, migrations.FS).Up(ctx)
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback(context.Background()) })

	return NewRepo(pool), db.WithTx(ctx, tx), tx
}

func TestRepoPG_Lifecycle(t *testing.T) {
	repo, ctx, _ := pgRepo(t)

	p := &Patient{Name: "Jane Doe", Email: strPtr("jane@example.com"), IsEligible: true}
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.Name)
	assert.Nil(t, got.Email, "restricted projection carries no email")
	assert.True(t, got.IsEligible)

	contact, err := repo.GetContact(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, contact.Email)
	assert.Equal(t, "jane@example.com", *contact.Email)

	now := time.Now().UTC().Truncate(time.Microsecond)
	updated, err := repo.Update(ctx, p.ID, Patch{IsEligible: Some(false)}, now)
	require.NoError(t, err)
	assert.False(t, updated.IsEligible)
	assert.Nil(t, updated.EstimatedSteps)
	assert.Nil(t, updated.Notes)
	assert.True(t, updated.UpdatedAt.Equal(now))

	updated, err = repo.Update(ctx, p.ID, Patch{EstimatedSteps: Some(20), Notes: Some("")}, now)
	require.NoError(t, err)
	require.NotNil(t, updated.EstimatedSteps)
	assert.Equal(t, 20, *updated.EstimatedSteps)
	require.NotNil(t, updated.Notes)
	assert.Equal(t, "", *updated.Notes)

	updated, err = repo.Update(ctx, p.ID, Patch{Notes: Null[string]()}, now)
	require.NoError(t, err)
	assert.Nil(t, updated.Notes)
	require.NotNil(t, updated.EstimatedSteps, "steps survive a patch that does not name them")

	contact, err = repo.GetContact(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", *contact.Email, "email survives partial updates")

	require.NoError(t, repo.Delete(ctx, p.ID))
	assert.True(t, errors.Is(repo.Delete(ctx, p.ID), ErrNotFound))
	_, err = repo.Get(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = repo.Update(ctx, p.ID, Patch{}, now)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepoPG_ListNewestFirst(t *testing.T) {
	repo, ctx, tx := pgRepo(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	created := map[string]*Patient{}
	for _, name := range []string{"Oldest", "Tie A", "Tie B", "Newest"} {
		p := &Patient{Name: name, IsEligible: true}
		require.NoError(t, repo.Create(ctx, p))
		created[name] = p
	}
	setCreated := func(name string, at time.Time) {
		_, err := tx.Exec(ctx, `UPDATE patients SET created_at = $1 WHERE id = $2`, at, created[name].ID)
		require.NoError(t, err)
	}
	setCreated("Oldest", base)
	setCreated("Tie A", base.Add(time.Hour))
	setCreated("Tie B", base.Add(time.Hour))
	setCreated("Newest", base.Add(2*time.Hour))

	list, err := repo.List(ctx)
	require.NoError(t, err)

	ours := map[uuid.UUID]bool{}
	for _, p := range created {
		ours[p.ID] = true
	}
	var order []uuid.UUID
	for _, p := range list {
		if ours[p.ID] {
			order = append(order, p.ID)
			assert.Nil(t, p.Email)
		}
	}

	tieFirst, tieSecond := created["Tie A"].ID, created["Tie B"].ID
	if tieFirst.String() < tieSecond.String() {
		tieFirst, tieSecond = tieSecond, tieFirst
	}
	assert.Equal(t, []uuid.UUID{created["Newest"].ID, tieFirst, tieSecond, created["Oldest"].ID}, order)
}

func TestRepoPG_VideoURLs(t *testing.T) {
	repo, ctx, _ := pgRepo(t)
	url := "http://localhost:8000/media/videos/" + uuid.NewString() + ".mp4"
	require.NoError(t, repo.Create(ctx, &Patient{Name: "With video", VideoURL: &url, IsEligible: true}))
	require.NoError(t, repo.Create(ctx, &Patient{Name: "Without video", IsEligible: true}))

	urls, err := repo.VideoURLs(ctx)
	require.NoError(t, err)
	assert.Contains(t, urls, url)
}

// A constraint violation aborts the surrounding transaction, so each case
// gets its own.
func TestRepoPG_ConstraintViolations(t *testing.T) {
	t.Run("negative steps", func(t *testing.T) {
		repo, ctx, _ := pgRepo(t)
		p := &Patient{Name: "Ada", IsEligible: true}
		require.NoError(t, repo.Create(ctx, p))

		_, err := repo.Update(ctx, p.ID, Patch{EstimatedSteps: Some(-1)}, time.Now())
		assertFieldError(t, err, "estimated_steps")
	})
	t.Run("blank name", func(t *testing.T) {
		repo, ctx, _ := pgRepo(t)
		p := &Patient{Name: "Ada", IsEligible: true}
		require.NoError(t, repo.Create(ctx, p))

		_, err := repo.Update(ctx, p.ID, Patch{Name: Some("   ")}, time.Now())
		assertFieldError(t, err, "name")
	})
	t.Run("phone too long", func(t *testing.T) {
		repo, ctx, _ := pgRepo(t)
		err := repo.Create(ctx, &Patient{Name: "Ada", Phone: strPtr(strings.Repeat("1", 65)), IsEligible: true})
		assertFieldError(t, err, "phone")
	})
}

func assertFieldError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
	assert.False(t, errors.Is(err, ErrStore))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, field, verr.Field)
}
