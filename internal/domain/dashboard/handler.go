package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aligner/admin/internal/domain/patient"
	"github.com/aligner/admin/internal/domain/upload"
	"github.com/aligner/admin/internal/platform/blobstore"
)

// Patients is the subset of patient.Service the pages use.
type Patients interface {
	List(ctx context.Context) ([]*patient.Record, error)
	Get(ctx context.Context, id uuid.UUID) (*patient.Record, error)
	Create(ctx context.Context, in patient.CreateInput) (*patient.Record, error)
	Update(ctx context.Context, id uuid.UUID, patch patient.Patch) (*patient.Record, error)
}

type Uploader interface {
	Upload(ctx context.Context, in upload.Input) (*upload.Result, error)
}

type Handler struct {
	patients Patients
	uploads  Uploader
	logger   zerolog.Logger
	now      func() time.Time
}

func NewHandler(patients Patients, uploads Uploader, logger zerolog.Logger) *Handler {
	return &Handler{
		patients: patients,
		uploads:  uploads,
		logger:   logger.With().Str("component", "dashboard").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Dashboard)
	e.GET("/assessment/:id", h.Assessment)
	e.POST("/ui/patients", h.CreatePatient)
	e.POST("/ui/assessment/:id", h.SaveAssessment)
	e.POST("/ui/assessment/:id/video", h.UploadVideo)
}

type NewPatientForm struct {
	Name  string
	Email string
	Phone string
}

type DashboardPage struct {
	Rows  []Row
	Query string
	Form  NewPatientForm
	Error string
}

type AssessmentPage struct {
	Patient     *patient.Record
	Status      patient.Status
	NotEligible bool
	Steps       string
	Notes       string
	Error       string
}

func (h *Handler) Dashboard(c echo.Context) error {
	return h.renderDashboard(c, http.StatusOK, DashboardPage{Query: c.QueryParam("q")})
}

func (h *Handler) renderDashboard(c echo.Context, status int, page DashboardPage) error {
	records, err := h.patients.List(c.Request().Context())
	if err != nil {
		h.logFailure(err, "list patients")
		page.Error = "Failed to load patients. Please try again."
		return c.Render(http.StatusInternalServerError, PageDashboard, page)
	}
	page.Rows = Filter(NewRows(records), page.Query)
	return c.Render(status, PageDashboard, page)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	form := NewPatientForm{
		Name:  strings.TrimSpace(c.FormValue("name")),
		Email: strings.TrimSpace(c.FormValue("email")),
		Phone: strings.TrimSpace(c.FormValue("phone")),
	}
	if form.Name == "" {
		return h.renderDashboard(c, http.StatusBadRequest, DashboardPage{Form: form, Error: "Name is required."})
	}

	_, err := h.patients.Create(c.Request().Context(), patient.CreateInput{
		Name:  form.Name,
		Email: &form.Email,
		Phone: &form.Phone,
	})
	if err != nil {
		h.logFailure(err, "create patient")
		return h.renderDashboard(c, statusFor(err), DashboardPage{Form: form, Error: "Failed to create patient. Please try again."})
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) Assessment(c echo.Context) error {
	rec, err := h.load(c)
	if rec == nil {
		return err
	}
	return c.Render(http.StatusOK, PageAssessment, assessmentPage(rec))
}

// SaveAssessment completes the assessment. Ticking "not eligible" clears the
// step estimate; a blank estimate is stored as null.
func (h *Handler) SaveAssessment(c echo.Context) error {
	rec, err := h.load(c)
	if rec == nil {
		return err
	}

	notEligible := c.FormValue("not_eligible") != ""
	stepsRaw := strings.TrimSpace(c.FormValue("estimated_steps"))
	notes := c.FormValue("notes")

	patch := patient.Patch{
		IsEligible: patient.Some(!notEligible),
		Notes:      patient.Some(notes),
		AssessedAt: patient.Some(h.now()),
	}
	switch {
	case notEligible || stepsRaw == "":
		patch.EstimatedSteps = patient.Null[int]()
	default:
		n, err := strconv.Atoi(stepsRaw)
		if err != nil || n < 0 {
			page := assessmentPage(rec)
			page.NotEligible, page.Steps, page.Notes = notEligible, stepsRaw, notes
			page.Error = "Estimated steps must be a whole number of zero or more."
			return c.Render(http.StatusBadRequest, PageAssessment, page)
		}
		patch.EstimatedSteps = patient.Some(n)
	}

	if _, err := h.patients.Update(c.Request().Context(), rec.ID, patch); err != nil {
		h.logFailure(err, "save assessment")
		page := assessmentPage(rec)
		page.NotEligible, page.Steps, page.Notes = notEligible, stepsRaw, notes
		page.Error = "Failed to save assessment. Please try again."
		return c.Render(statusFor(err), PageAssessment, page)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// UploadVideo stores the file and then links it to the patient. The link
// write is idempotent, so a retry after a failed link just re-uploads; the
// orphan reconciler removes the unlinked copy.
func (h *Handler) UploadVideo(c echo.Context) error {
	rec, err := h.load(c)
	if rec == nil {
		return err
	}
	fail := func(status int, msg string) error {
		page := assessmentPage(rec)
		page.Error = msg
		return c.Render(status, PageAssessment, page)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return fail(http.StatusBadRequest, "Please choose a video file to upload.")
	}
	if !blobstore.IsVideo(fh.Header.Get(echo.HeaderContentType)) {
		return fail(http.StatusUnsupportedMediaType, "Please upload a video file.")
	}
	if fh.Size > blobstore.MaxFileSize {
		return fail(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File size must be less than %dMB.", blobstore.MaxFileSize>>20))
	}

	f, err := fh.Open()
	if err != nil {
		h.logFailure(err, "open uploaded video")
		return fail(http.StatusInternalServerError, "Failed to upload video. Please try again.")
	}
	defer f.Close()

	res, err := h.uploads.Upload(c.Request().Context(), upload.Input{
		PatientID:   rec.ID.String(),
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Content:     f,
	})
	if err != nil {
		h.logFailure(err, "upload video")
		return fail(upload.HTTPError(err).Code, "Failed to upload video. Please try again.")
	}

	if _, err := h.patients.Update(c.Request().Context(), rec.ID, patient.Patch{VideoURL: patient.Some(res.URL)}); err != nil {
		h.logFailure(err, "link video")
		return fail(statusFor(err), "Video uploaded but could not be linked. Please try again.")
	}
	return c.Redirect(http.StatusSeeOther, "/assessment/"+rec.ID.String())
}

// load resolves :id. When it returns a nil record the response is either
// already written (the not-found page) or err must be propagated.
func (h *Handler) load(c echo.Context) (*patient.Record, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.Render(http.StatusNotFound, PageNotFound, nil)
	}
	rec, err := h.patients.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, c.Render(http.StatusNotFound, PageNotFound, nil)
		}
		h.logFailure(err, "load patient")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch patient")
	}
	return rec, nil
}

func assessmentPage(rec *patient.Record) AssessmentPage {
	page := AssessmentPage{
		Patient:     rec,
		Status:      rec.Status(),
		NotEligible: !rec.IsEligible,
	}
	if rec.EstimatedSteps != nil {
		page.Steps = strconv.Itoa(*rec.EstimatedSteps)
	}
	if rec.Notes != nil {
		page.Notes = *rec.Notes
	}
	return page
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, patient.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, patient.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) logFailure(err error, op string) {
	kind := "store"
	switch {
	case errors.Is(err, patient.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, patient.ErrValidation):
		kind = "validation"
	case errors.Is(err, blobstore.ErrFileTooLarge), errors.Is(err, blobstore.ErrInvalidContentType), errors.Is(err, upload.ErrMissingFile):
		kind = "upload"
	}
	h.logger.Error().Err(err).Str("kind", kind).Str("op", op).Msg("dashboard action failed")
}
