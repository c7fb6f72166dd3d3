package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of pipeline.BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call. The reader is drained and passed to the mock as a string.
func (m *MockBlobStore) PutObject(ctx context.Context, key string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, key, contentType, string(body))
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
