// Package upload relays assessment videos into object storage and removes
// objects that no patient ended up referencing.
package upload

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aligner/admin/internal/platform/blobstore"
	"github.com/aligner/admin/internal/platform/telemetry"
)

// KeyPrefix is the folder every uploaded video lives under.
const KeyPrefix = "videos/"

var ErrMissingFile = errors.New("no file provided")

// Input is one file to store. Size may be -1 when unknown; the store still
// enforces the limit while reading.
type Input struct {
	PatientID   string
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// Result is what the caller links onto the patient.
type Result struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

type Service struct {
	store   blobstore.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	suffix  func() string
}

func NewService(store blobstore.Store, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "upload").Logger(),
		now:     time.Now,
		suffix:  randomSuffix,
	}
}

// Upload stores the video under a fresh key. It never touches a patient
// record; linking is the caller's second step.
func (s *Service) Upload(ctx context.Context, in Input) (*Result, error) {
	if in.Content == nil || in.FileName == "" {
		s.metrics.RecordUpload("missing", 0)
		return nil, ErrMissingFile
	}
	if in.Size > blobstore.MaxFileSize {
		s.metrics.RecordUpload("too_large", 0)
		return nil, blobstore.ErrFileTooLarge
	}
	if !blobstore.IsVideo(in.ContentType) {
		s.metrics.RecordUpload("bad_type", 0)
		return nil, fmt.Errorf("%w: %q", blobstore.ErrInvalidContentType, in.ContentType)
	}

	key := ObjectKey(in.PatientID, in.FileName, s.now(), s.suffix())
	obj, err := s.store.Put(ctx, key, in.ContentType, in.Content)
	if err != nil {
		result := "error"
		if errors.Is(err, blobstore.ErrFileTooLarge) {
			result = "too_large"
		}
		s.metrics.RecordUpload(result, 0)
		s.logger.Error().Err(err).Str("key", key).Msg("video upload failed")
		return nil, fmt.Errorf("store %s: %w", key, err)
	}

	s.metrics.RecordUpload("ok", obj.Size)
	s.logger.Info().Str("key", key).Int64("size", obj.Size).Str("patient_id", in.PatientID).
		Msg("video uploaded")
	return &Result{URL: s.store.PublicURL(key), Path: key}, nil
}

// ObjectKey builds videos/<owner>-<suffix>.<ext>. owner is the patient id
// when it is a safe path segment, otherwise the upload time in unix millis.
// ext is whatever follows the last dot of the file name, or the whole name
// when it has none.
func ObjectKey(patientID, fileName string, now time.Time, suffix string) string {
	owner := patientID
	if !safeSegment(owner) {
		owner = strconv.FormatInt(now.UnixMilli(), 10)
	}
	ext := fileName
	if i := strings.LastIndex(fileName, "."); i >= 0 {
		ext = fileName[i+1:]
	}
	ext = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, ext)
	return KeyPrefix + owner + "-" + suffix + "." + ext
}

func safeSegment(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

const suffixLen = 8

var suffixSpace = new(big.Int).Exp(big.NewInt(36), big.NewInt(suffixLen), nil)

// randomSuffix returns suffixLen base36 characters.
func randomSuffix() string {
	n, err := rand.Int(rand.Reader, suffixSpace)
	if err != nil {
		n = big.NewInt(time.Now().UnixNano())
		n.Mod(n, suffixSpace)
	}
	s := n.Text(36)
	return strings.Repeat("0", suffixLen-len(s)) + s
}
