package patient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aligner/admin/internal/platform/queue"
	"github.com/aligner/admin/internal/platform/webhook"
)

type fakeRelay struct {
	configured bool
	err        error
	body       []byte
}

func (f *fakeRelay) Configured() bool { return f.configured }

func (f *fakeRelay) SendRaw(_ context.Context, body []byte) (*webhook.Delivery, error) {
	f.body = body
	return &webhook.Delivery{ID: "d1", StatusCode: http.StatusOK}, f.err
}

func newTestHandler(t *testing.T) (*Handler, *MemoryRepository, *fakeRelay) {
	t.Helper()
	repo := NewMemoryRepository()
	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	relay := &fakeRelay{configured: true}
	return NewHandler(NewService(repo, q, zerolog.Nop()), relay, zerolog.Nop()), repo, relay
}

func newJSONContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertHTTPError(t *testing.T, err error, code int, message string) {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected *echo.HTTPError, got %v", err)
	assert.Equal(t, code, he.Code)
	if message != "" {
		assert.Equal(t, message, he.Message)
	}
}

func seedPatient(t *testing.T, repo *MemoryRepository, name string) *Patient {
	t.Helper()
	p := &Patient{Name: name, Email: strPtr(strings.ToLower(name) + "@example.com"), IsEligible: true}
	require.NoError(t, repo.Create(context.Background(), p))
	return p
}

func TestHandler_CreatePatient(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, rec := newJSONContext(http.MethodPost, "/api/patients", `{"name":"Ada","email":"ada@example.com","phone":""}`)

	require.NoError(t, h.CreatePatient(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Ada", got["name"])
	assert.Equal(t, true, got["is_eligible"])
	assert.NotEmpty(t, got["id"])
	assert.NotContains(t, got, "email")
	assert.NotContains(t, got, "phone")
}

func TestHandler_CreatePatient_MissingName(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, _ := newJSONContext(http.MethodPost, "/api/patients", `{"email":"ada@example.com"}`)

	assertHTTPError(t, h.CreatePatient(c), http.StatusBadRequest, "name is required")
}

func TestHandler_CreatePatient_BadJSON(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, _ := newJSONContext(http.MethodPost, "/api/patients", `{"name":`)

	assertHTTPError(t, h.CreatePatient(c), http.StatusBadRequest, "Invalid request body")
}

func TestHandler_ListPatients(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	ada := seedPatient(t, repo, "Ada")
	grace := seedPatient(t, repo, "Grace")
	backdate(repo, ada.ID, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	backdate(repo, grace.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	c, rec := newJSONContext(http.MethodGet, "/api/patients", "")
	require.NoError(t, h.ListPatients(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "Grace", got[0]["name"])
	assert.Equal(t, "Ada", got[1]["name"])
	assert.NotContains(t, rec.Body.String(), "@example.com")
}

func TestHandler_ListPatients_Empty(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, rec := newJSONContext(http.MethodGet, "/api/patients", "")

	require.NoError(t, h.ListPatients(c))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_ListPatients_StoreFailure(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	repo.Fail = errors.New("connection refused")
	c, _ := newJSONContext(http.MethodGet, "/api/patients", "")

	assertHTTPError(t, h.ListPatients(c), http.StatusInternalServerError, "Failed to fetch patients")
}

func TestHandler_GetPatient(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	p := seedPatient(t, repo, "Ada")

	c, rec := newJSONContext(http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	require.NoError(t, h.GetPatient(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), p.ID.String())
	assert.NotContains(t, rec.Body.String(), "ada@example.com")
}

func TestHandler_GetPatient_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)
	for _, id := range []string{"not-a-uuid", "6f1c2d4e-9b0a-4c53-8d5e-1a2b3c4d5e6f"} {
		c, _ := newJSONContext(http.MethodGet, "/", "")
		c.SetParamNames("id")
		c.SetParamValues(id)
		assertHTTPError(t, h.GetPatient(c), http.StatusNotFound, "Patient not found")
	}
}

func TestHandler_UpdatePatient(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	p := seedPatient(t, repo, "Ada")

	c, rec := newJSONContext(http.MethodPatch, "/", `{"is_eligible":false,"estimated_steps":null,"notes":"refer out"}`)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	require.NoError(t, h.UpdatePatient(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, false, got["is_eligible"])
	assert.Nil(t, got["estimated_steps"])
	assert.Equal(t, "refer out", got["notes"])
}

func TestHandler_UpdatePatient_EmptyBody(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	p := seedPatient(t, repo, "Ada")

	c, rec := newJSONContext(http.MethodPatch, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	require.NoError(t, h.UpdatePatient(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_UpdatePatient_Invalid(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	p := seedPatient(t, repo, "Ada")

	c, _ := newJSONContext(http.MethodPatch, "/", `{"name":null}`)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	assertHTTPError(t, h.UpdatePatient(c), http.StatusBadRequest, "name is required")
}

func TestHandler_UpdatePatient_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c, _ := newJSONContext(http.MethodPatch, "/", `{"notes":"x"}`)
	c.SetParamNames("id")
	c.SetParamValues("6f1c2d4e-9b0a-4c53-8d5e-1a2b3c4d5e6f")

	assertHTTPError(t, h.UpdatePatient(c), http.StatusNotFound, "Patient not found")
}

func TestHandler_DeletePatient(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	p := seedPatient(t, repo, "Ada")

	c, rec := newJSONContext(http.MethodDelete, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	require.NoError(t, h.DeletePatient(c))
	assert.JSONEq(t, `{"message":"Patient deleted successfully"}`, rec.Body.String())

	c, _ = newJSONContext(http.MethodDelete, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	assertHTTPError(t, h.DeletePatient(c), http.StatusNotFound, "Patient not found")
}

func TestHandler_RelayWebhook(t *testing.T) {
	h, _, relay := newTestHandler(t)
	c, rec := newJSONContext(http.MethodPost, "/api/webhook", `{"id":"p1","anything":true}`)

	require.NoError(t, h.RelayWebhook(c))
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.JSONEq(t, `{"id":"p1","anything":true}`, string(relay.body))
}

func TestHandler_RelayWebhook_Failures(t *testing.T) {
	h, _, relay := newTestHandler(t)

	relay.configured = false
	c, _ := newJSONContext(http.MethodPost, "/api/webhook", `{}`)
	assertHTTPError(t, h.RelayWebhook(c), http.StatusInternalServerError, "Webhook URL not configured")

	relay.configured = true
	relay.err = webhook.ErrSinkRejected
	c, _ = newJSONContext(http.MethodPost, "/api/webhook", `{}`)
	assertHTTPError(t, h.RelayWebhook(c), http.StatusInternalServerError, "Webhook call failed")

	c, _ = newJSONContext(http.MethodPost, "/api/webhook", `not json`)
	assertHTTPError(t, h.RelayWebhook(c), http.StatusBadRequest, "")
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api"))

	routes := map[string]bool{}
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /api/patients",
		"POST /api/patients",
		"GET /api/patients/:id",
		"PATCH /api/patients/:id",
		"DELETE /api/patients/:id",
		"POST /api/webhook",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}
