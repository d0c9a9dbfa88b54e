package middleware

import (
	"context"

	"github.com/geoevents/geoevents/internal/storage"
)

var _ storage.KeyStore = (*MockKeyStore)(nil)

// MockKeyStore is a storage.KeyStore whose behavior is set per test.
type MockKeyStore struct {
	FindByKeyFunc     func(ctx context.Context, key string) (*storage.Key, bool)
	AddFunc           func(ctx context.Context, apiKey *storage.Key) error
	UpdateFunc        func(ctx context.Context, apiKey *storage.Key) error
	DeleteFunc        func(ctx context.Context, keyID string) error
	ListByAccountFunc func(ctx context.Context, accountID string) ([]*storage.Key, error)
}

func (m *MockKeyStore) FindByKey(ctx context.Context, key string) (*storage.Key, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

func (m *MockKeyStore) Add(ctx context.Context, apiKey *storage.Key) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, apiKey)
	}

	return nil
}

func (m *MockKeyStore) Update(ctx context.Context, apiKey *storage.Key) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, apiKey)
	}

	return nil
}

func (m *MockKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

func (m *MockKeyStore) ListByAccount(ctx context.Context, accountID string) ([]*storage.Key, error) {
	if m.ListByAccountFunc != nil {
		return m.ListByAccountFunc(ctx, accountID)
	}

	return []*storage.Key{}, nil
}
