package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	storage "github.com/supabase-community/storage-go"
)

// SupabaseStore keeps objects in one Supabase Storage bucket. The bucket is
// expected to be public so PublicURL can be handed to browsers.
type SupabaseStore struct {
	client   *storage.Client
	bucket   string
	pageSize int
}

type SupabaseOption func(*SupabaseStore)

func WithListPageSize(n int) SupabaseOption {
	return func(s *SupabaseStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func NewSupabaseStore(projectURL, bucket, serviceKey string, opts ...SupabaseOption) *SupabaseStore {
	s := &SupabaseStore{
		client: storage.NewClient(strings.TrimSuffix(projectURL, "/")+"/storage/v1", serviceKey,
			map[string]string{"apikey": serviceKey}),
		bucket:   bucket,
		pageSize: 1000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// storageKind maps a Storage error message onto the package sentinels. The
// client reports failures as text, so the match is on the messages Storage
// returns for duplicates, missing objects and oversized bodies.
func storageKind(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already exists"), strings.Contains(msg, "duplicate"):
		return ErrObjectExists
	case strings.Contains(msg, "not found"):
		return ErrObjectNotFound
	case strings.Contains(msg, "too large"), strings.Contains(msg, "maximum allowed size"):
		return ErrFileTooLarge
	}
	return nil
}

func (s *SupabaseStore) Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body := limited(content)
	upsert := false
	_, err := s.client.UploadFile(s.bucket, key, body, storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if body.n > body.limit {
		return nil, ErrFileTooLarge
	}
	if err != nil {
		if kind := storageKind(err); kind != nil {
			return nil, kind
		}
		return nil, fmt.Errorf("upload object: %w", err)
	}
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        body.n,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get looks the object up first so a missing key is ErrObjectNotFound rather
// than an error body handed back as content.
func (s *SupabaseStore) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	obj, err := s.find(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		if kind := storageKind(err); kind != nil {
			return nil, nil, kind
		}
		return nil, nil, fmt.Errorf("download object: %w", err)
	}
	obj.Size = int64(len(data))
	return io.NopCloser(bytes.NewReader(data)), obj, nil
}

func (s *SupabaseStore) find(ctx context.Context, key string) (*Object, error) {
	list, err := s.List(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, o := range list {
		if o.Key == key {
			return o, nil
		}
	}
	return nil, ErrObjectNotFound
}

func (s *SupabaseStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	removed, err := s.client.RemoveFile(s.bucket, []string{key})
	if err != nil {
		if kind := storageKind(err); kind != nil {
			return kind
		}
		return fmt.Errorf("delete object: %w", err)
	}
	if len(removed) == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// List pages through the folder that contains prefix. Storage lists one
// folder level at a time; folder placeholders (entries without an id) are
// skipped.
func (s *SupabaseStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	dir, namePrefix := path.Split(prefix)
	dir = strings.TrimSuffix(dir, "/")

	var out []*Object
	for offset := 0; ; offset += s.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.client.ListFiles(s.bucket, dir, storage.FileSearchOptions{
			Limit:         s.pageSize,
			Offset:        offset,
			SortByOptions: storage.SortBy{Column: "name", Order: "asc"},
		})
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, f := range page {
			if f.Id == "" || !strings.HasPrefix(f.Name, namePrefix) {
				continue
			}
			key := f.Name
			if dir != "" {
				key = dir + "/" + f.Name
			}
			out = append(out, listedObject(key, f))
		}
		if len(page) < s.pageSize {
			return out, nil
		}
	}
}

func listedObject(key string, f storage.FileObject) *Object {
	obj := &Object{Key: key}
	if t, err := time.Parse(time.RFC3339Nano, f.CreatedAt); err == nil {
		obj.CreatedAt = t.UTC()
	}
	if meta, ok := f.Metadata.(map[string]interface{}); ok {
		if size, ok := meta["size"].(float64); ok {
			obj.Size = int64(size)
		}
		if mt, ok := meta["mimetype"].(string); ok {
			obj.ContentType = mt
		}
	}
	return obj
}

func (s *SupabaseStore) PublicURL(key string) string {
	return s.client.GetPublicUrl(s.bucket, key).SignedURL
}

var _ Store = (*SupabaseStore)(nil)
