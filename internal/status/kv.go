package status

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/m-lab/scraper/internal/blob"
)

// S3KV stores records as small JSON objects under
// <namespace>/rsync_url/<escaped-endpoint>. Namespacing lets parallel
// deployments share one bucket without stepping on each other's records.
type S3KV struct {
	client *blob.Client
}

// NewS3KV wraps an object-store client as a record KV.
func NewS3KV(client *blob.Client) *S3KV {
	return &S3KV{client: client}
}

func (s *S3KV) objectKey(namespace, key string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, Kind, url.PathEscape(key))
}

// Get implements KV.
func (s *S3KV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.GetBytes(ctx, s.objectKey(namespace, key))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put implements KV.
func (s *S3KV) Put(ctx context.Context, namespace, key string, value []byte) error {
	return s.client.PutBytes(ctx, s.objectKey(namespace, key), value)
}

// MemKV is an in-process KV for tests and dry runs.
type MemKV struct {
	mu      sync.Mutex
	records map[string][]byte

	// GetErr and PutErr, when non-nil, are returned by the next matching
	// call and then cleared. Tests use them to simulate transient outages.
	GetErr error
	PutErr error
}

// NewMemKV returns an empty in-memory KV.
func NewMemKV() *MemKV {
	return &MemKV{records: map[string][]byte{}}
}

// Get implements KV.
func (m *MemKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		err := m.GetErr
		m.GetErr = nil
		return nil, err
	}
	data, ok := m.records[namespace+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Put implements KV.
func (m *MemKV) Put(ctx context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		err := m.PutErr
		m.PutErr = nil
		return err
	}
	m.records[namespace+"/"+key] = append([]byte(nil), value...)
	return nil
}
