// Package blobstore stores assessment videos as objects addressed by a
// slash-separated key ("videos/<id>-<suffix>.mp4") and resolves their public
// URLs. Backends: in-memory (tests, dev), local filesystem, and Supabase
// Storage over its REST API.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrObjectExists       = errors.New("object already exists")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidKey         = errors.New("invalid object key")
)

// MaxFileSize is the largest object accepted by any backend (100 MiB).
const MaxFileSize = 100 * 1024 * 1024

// Object describes a stored object.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is implemented by every storage backend. Put never overwrites: an
// existing key yields ErrObjectExists.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]*Object, error)
	PublicURL(key string) string
}

// IsVideo reports whether contentType is a video/* media type.
func IsVideo(contentType string) bool {
	mt, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	return strings.HasPrefix(mt, "video/") && len(mt) > len("video/")
}

// ValidateKey rejects empty keys, absolute keys and any ".." segment.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// sizeLimitReader fails with ErrFileTooLarge once more than limit bytes have
// been read.
type sizeLimitReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (l *sizeLimitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.limit {
		return n, ErrFileTooLarge
	}
	return n, err
}

func limited(r io.Reader) *sizeLimitReader {
	return &sizeLimitReader{r: r, limit: MaxFileSize}
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
	baseURL string
	now     func() time.Time
}

// NewMemoryStore returns a MemoryStore whose public URLs are rooted at
// baseURL (for example "http://localhost:8000/media").
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*storedObject),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(limited(content))
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}

	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sha256.Sum256(data)),
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return nil, ErrObjectExists
	}
	s.objects[key] = &storedObject{object: obj, content: data}

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	obj := o.object
	return readSeekNopCloser{bytes.NewReader(o.content)}, &obj, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

// List returns objects whose key starts with prefix, sorted by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	for k, o := range s.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		obj := o.object
		out = append(out, &obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) PublicURL(key string) string {
	return s.baseURL + "/" + key
}

type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// MediaHandler streams objects from a store for backends that are not
// publicly reachable on their own (memory and filesystem). It is mounted as
// GET <prefix>/* and takes the key from the wildcard.
func MediaHandler(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("*")
		if err := ValidateKey(key); err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "object not found"})
		}

		rc, obj, err := store.Get(c.Request().Context(), key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "object not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read object"})
		}
		defer rc.Close()

		// Seekable content gets range support so the player can scrub.
		if rs, ok := rc.(io.ReadSeeker); ok {
			if obj.ContentType != "" {
				c.Response().Header().Set(echo.HeaderContentType, obj.ContentType)
			}
			http.ServeContent(c.Response(), c.Request(), key, obj.CreatedAt, rs)
			return nil
		}
		contentType := obj.ContentType
		if contentType == "" {
			contentType = echo.MIMEOctetStream
		}
		return c.Stream(http.StatusOK, contentType, rc)
	}
}
