package patient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aligner/admin/internal/platform/webhook"
)

// Relay forwards an arbitrary JSON body to the webhook sink.
type Relay interface {
	Configured() bool
	SendRaw(ctx context.Context, body []byte) (*webhook.Delivery, error)
}

type Handler struct {
	svc    *Service
	relay  Relay
	logger zerolog.Logger
}

func NewHandler(svc *Service, relay Relay, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, relay: relay, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/:id", h.GetPatient)
	api.PATCH("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)
	api.POST("/webhook", h.RelayWebhook)
}

func (h *Handler) ListPatients(c echo.Context) error {
	records, err := h.svc.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "Failed to fetch patients")
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	rec, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err, "Failed to create patient")
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, ok := patientID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err, "Failed to fetch patient")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, ok := patientID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	// Decoded directly: an empty body is an empty patch, and explicit nulls
	// must reach Optional.UnmarshalJSON untouched.
	var patch Patch
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	rec, err := h.svc.Update(c.Request().Context(), id, patch)
	if err != nil {
		return h.fail(c, err, "Failed to update patient")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, ok := patientID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return h.fail(c, err, "Failed to delete patient")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Patient deleted successfully"})
}

// RelayWebhook passes the request body through to the sink unchanged.
func (h *Handler) RelayWebhook(c echo.Context) error {
	if h.relay == nil || !h.relay.Configured() {
		return echo.NewHTTPError(http.StatusInternalServerError, "Webhook URL not configured")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	d, err := h.relay.SendRaw(c.Request().Context(), body)
	if err != nil {
		ev := h.logger.Error().Err(err)
		if d != nil {
			ev = ev.Str("delivery_id", d.ID).Int("status", d.StatusCode)
		}
		ev.Msg("webhook relay failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Webhook call failed")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// fail maps service errors to HTTP errors. Store faults are logged and
// reported with the caller's generic message.
func (h *Handler) fail(c echo.Context, err error, message string) error {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg(message)
	return echo.NewHTTPError(http.StatusInternalServerError, message)
}

// patientID parses the :id param. A malformed id cannot name a stored
// patient, so callers treat it as not found.
func patientID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}
