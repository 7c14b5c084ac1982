package upload

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aligner/admin/internal/platform/blobstore"
	"github.com/aligner/admin/internal/platform/telemetry"
)

// References lists every video URL currently linked to a patient.
type References interface {
	VideoURLs(ctx context.Context) ([]string, error)
}

// Report summarizes one reconcile pass.
type Report struct {
	Scanned    int      `json:"scanned"`
	Referenced int      `json:"referenced"`
	TooRecent  int      `json:"too_recent"`
	Orphans    []string `json:"orphans"`
	Removed    int      `json:"removed"`
	Failed     int      `json:"failed"`
	DryRun     bool     `json:"dry_run"`
}

// Reconciler deletes uploaded videos that were never linked to a patient,
// e.g. because the link step failed after the upload succeeded. Objects
// younger than Grace are left alone so an upload that is about to be linked
// is not raced.
type Reconciler struct {
	store   blobstore.Store
	refs    References
	grace   time.Duration
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewReconciler(store blobstore.Store, refs References, grace time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		refs:    refs,
		grace:   grace,
		metrics: metrics,
		logger:  logger.With().Str("component", "orphan-reconciler").Logger(),
		now:     time.Now,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun, Orphans: []string{}}

	urls, err := r.refs.VideoURLs(ctx)
	if err != nil {
		r.metrics.RecordReconcile("error", 0)
		return nil, err
	}
	objects, err := r.store.List(ctx, KeyPrefix)
	if err != nil {
		r.metrics.RecordReconcile("error", 0)
		return nil, err
	}

	linked := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		linked[stripQuery(u)] = struct{}{}
	}

	cutoff := r.now().Add(-r.grace)
	for _, obj := range objects {
		report.Scanned++
		if r.isReferenced(obj.Key, linked) {
			report.Referenced++
			continue
		}
		if obj.CreatedAt.After(cutoff) {
			report.TooRecent++
			continue
		}
		report.Orphans = append(report.Orphans, obj.Key)
		if dryRun {
			continue
		}
		if err := r.store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, blobstore.ErrObjectNotFound) {
			report.Failed++
			r.logger.Error().Err(err).Str("key", obj.Key).Msg("failed to remove orphaned video")
			continue
		}
		report.Removed++
	}

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	r.metrics.RecordReconcile(result, report.Removed)
	r.logger.Info().
		Int("scanned", report.Scanned).
		Int("orphans", len(report.Orphans)).
		Int("removed", report.Removed).
		Int("failed", report.Failed).
		Bool("dry_run", dryRun).
		Msg("orphan reconcile finished")
	return report, nil
}

// isReferenced matches on the store's public URL for the key, falling back
// to a path suffix so links written under an older base URL still count.
func (r *Reconciler) isReferenced(key string, linked map[string]struct{}) bool {
	if _, ok := linked[r.store.PublicURL(key)]; ok {
		return true
	}
	for u := range linked {
		if strings.HasSuffix(u, "/"+key) {
			return true
		}
	}
	return false
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// Start runs Reconcile every interval until ctx is done. A non-positive
// interval disables the loop.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.logger.Info().Dur("interval", interval).Dur("grace", r.grace).Msg("orphan reconciler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("orphan reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx, false); err != nil {
				r.logger.Error().Err(err).Msg("orphan reconcile failed")
			}
		}
	}
}
