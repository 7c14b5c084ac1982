// Package dashboard serves the server-rendered admin pages: the patient list
// and the per-patient assessment screen.
package dashboard

import (
	"strings"

	"github.com/aligner/admin/internal/domain/patient"
)

// Row is one line of the patient table.
type Row struct {
	*patient.Record
	Status patient.Status
}

func NewRows(records []*patient.Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, Row{Record: r, Status: r.Status()})
	}
	return rows
}

// Filter keeps rows whose name contains q case-insensitively. Contact fields
// are not part of the list projection, so they are not searchable here. An
// empty query keeps everything.
func Filter(rows []Row, q string) []Row {
	q = strings.TrimSpace(q)
	if q == "" {
		return rows
	}
	lower := strings.ToLower(q)
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if strings.Contains(strings.ToLower(r.Name), lower) {
			out = append(out, r)
		}
	}
	return out
}

// StatusClass picks the badge style for a status.
func StatusClass(s patient.Status) string {
	switch s {
	case patient.StatusCompleted:
		return "badge done"
	case patient.StatusPendingReview:
		return "badge review"
	default:
		return "badge waiting"
	}
}
