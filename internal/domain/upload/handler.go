package upload

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aligner/admin/internal/platform/blobstore"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/upload", h.Upload)
}

// Upload accepts multipart form fields "file" and "patientId".
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return echo.NewHTTPError(http.StatusBadRequest, "No file provided")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid upload form")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read upload")
	}
	defer f.Close()

	res, err := h.svc.Upload(c.Request().Context(), Input{
		PatientID:   c.FormValue("patientId"),
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Content:     f,
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// HTTPError maps an Upload error onto its status code.
func HTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrMissingFile):
		return echo.NewHTTPError(http.StatusBadRequest, "No file provided")
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File exceeds the %dMB limit", blobstore.MaxFileSize>>20))
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "Only video files are allowed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to upload file")
	}
}
