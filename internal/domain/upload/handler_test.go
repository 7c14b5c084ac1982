package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aligner/admin/internal/platform/blobstore"
)

func multipartRequest(t *testing.T, fields map[string]string, fileName, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_Upload(t *testing.T) {
	svc, _ := newTestService()
	svc.suffix = func() string { return "abc" }
	h := NewHandler(svc)

	e := echo.New()
	rec := httptest.NewRecorder()
	req := multipartRequest(t, map[string]string{"patientId": "p9"}, "clip.webm", "video/webm", []byte("data"))
	c := e.NewContext(req, rec)

	require.NoError(t, h.Upload(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "videos/p9-abc.webm", got.Path)
	assert.Equal(t, "http://localhost:8000/media/videos/p9-abc.webm", got.URL)
}

func TestHandler_UploadErrors(t *testing.T) {
	tests := []struct {
		name        string
		fileName    string
		contentType string
		wantCode    int
	}{
		{"missing file", "", "", http.StatusBadRequest},
		{"not a video", "photo.png", "image/png", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			h := NewHandler(svc)
			e := echo.New()
			req := multipartRequest(t, map[string]string{"patientId": "p1"}, tt.fileName, tt.contentType, []byte("x"))
			c := e.NewContext(req, httptest.NewRecorder())

			err := h.Upload(c)
			var he *echo.HTTPError
			require.True(t, errors.As(err, &he))
			assert.Equal(t, tt.wantCode, he.Code)
		})
	}
}

func TestHTTPError_TooLarge(t *testing.T) {
	he := HTTPError(fmt.Errorf("store videos/x.mp4: %w", blobstore.ErrFileTooLarge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, he.Code)
	assert.Equal(t, "File exceeds the 100MB limit", he.Message)
}
