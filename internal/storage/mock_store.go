package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of BlobStore.
type MockStore struct {
	mock.Mock
}

// PutObject records the call. The reader is drained so callers can assert
// on the content through the returned arguments.
func (m *MockStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
