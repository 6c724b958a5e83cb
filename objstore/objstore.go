// Package objstore stores binary attachments and hands out URLs for them.
package objstore

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/klipach/gatedchat/apperr"
)

// Handle identifies an uploaded object.
type Handle struct {
	Bucket string
	Path   string
	Token  string
}

type Storage interface {
	Upload(ctx context.Context, path, contentType string, data []byte) (Handle, error)
	URL(ctx context.Context, h Handle) (string, error)
}

// DownloadURL is the token-protected Firebase Storage URL the web SDK's
// getDownloadURL returns.
func DownloadURL(h Handle) string {
	return fmt.Sprintf(
		"https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		h.Bucket,
		url.PathEscape(h.Path),
		url.QueryEscape(h.Token),
	)
}

type object struct {
	contentType string
	data        []byte
}

// Memory keeps objects in process.
type Memory struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]object
}

func NewMemory(bucket string) *Memory {
	return &Memory{bucket: bucket, objects: make(map[string]object)}
}

func (m *Memory) Upload(ctx context.Context, path, contentType string, data []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = object{contentType: contentType, data: append([]byte(nil), data...)}
	return Handle{Bucket: m.bucket, Path: path, Token: path}, nil
}

func (m *Memory) URL(_ context.Context, h Handle) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[h.Path]; !ok {
		return "", apperr.NotFound("objstore.URL", h.Path)
	}
	return DownloadURL(h), nil
}

// Object returns a stored object's content type and bytes.
func (m *Memory) Object(path string) (string, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[path]
	return o.contentType, o.data, ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
