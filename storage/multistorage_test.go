package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	args := m.Called(ctx, ns, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	args := m.Called(ctx, ns, key, data)
	return args.Error(0)
}

func (m *MockStorageBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	args := m.Called(ctx, ns, key)
	return args.Error(0)
}

func (m *MockStorageBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	args := m.Called(ctx, ns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock:"
}

func assertMocks(t *testing.T, backends []interfaces.StorageBackend) {
	for _, backend := range backends {
		backend.(*MockStorageBackend).AssertExpectations(t)
	}
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true, false}, expected: true},
		{name: "no backends available", backends: []bool{false, false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				mockStorage := &MockStorageBackend{name: fmt.Sprintf("mock-A%x", i)}
				mockStorage.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockStorage)
			}

			multi := NewMultiStorageBackend(backends, testLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
			assertMocks(t, backends)
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	const key = "alice@example.com"
	ns := interfaces.MemberNamespace
	testData := []byte("test data")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, ns, key).Return(testData, nil)

				// not consulted once the first backend answered
				mock2 := &MockStorageBackend{name: "mock-B"}

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend misses, second succeeds",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, ns, key).Return(nil, interfaces.ErrContentNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, ns, key).Return(testData, nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "all backends miss",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, ns, key).Return(nil, interfaces.ErrContentNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, ns, key).Return(nil, interfaces.ErrContentNotFound)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: interfaces.ErrContentNotFound,
		},
		{
			name: "failure takes precedence over a miss",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, ns, key).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, ns, key).Return(nil, interfaces.ErrContentNotFound)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: testErr,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, ns, key).Return(testData, nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "nothing available",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)
				return []interfaces.StorageBackend{mock1}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			data, err := multi.Fetch(context.Background(), ns, key)

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)
			assertMocks(t, backends)
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	const key = "token"
	ns := interfaces.InvitationNamespace
	testData := []byte("test data")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, ns, key, testData).Return(nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, ns, key, testData).Return(nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, ns, key, testData).Return(nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, ns, key, testData).Return(testErr)

				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, ns, key, testData).Return(testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, ns, key, testData).Return(testErr)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, ns, key, testData).Return(nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			err := multi.Store(context.Background(), ns, key, testData)

			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assertMocks(t, backends)
		})
	}
}

func TestMultiStorageBackend_ListUnion(t *testing.T) {
	ns := interfaces.InvitationNamespace

	mock1 := &MockStorageBackend{name: "mock-A"}
	mock1.On("Available", mock.Anything).Return(true)
	mock1.On("List", mock.Anything, ns).Return([]string{"a", "b"}, nil)

	mock2 := &MockStorageBackend{name: "mock-B"}
	mock2.On("Available", mock.Anything).Return(true)
	mock2.On("List", mock.Anything, ns).Return([]string{"b", "c"}, nil)

	mock3 := &MockStorageBackend{name: "mock-C"}
	mock3.On("Available", mock.Anything).Return(true)
	mock3.On("List", mock.Anything, ns).Return(nil, errors.New("boom"))

	backends := []interfaces.StorageBackend{mock1, mock2, mock3}
	keys, err := NewMultiStorageBackend(backends, testLogger()).List(context.Background(), ns)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assertMocks(t, backends)
}

func TestMultiStorageBackend_Delete(t *testing.T) {
	ns := interfaces.ShamirSetupNamespace

	mock1 := &MockStorageBackend{name: "mock-A"}
	mock1.On("Available", mock.Anything).Return(true)
	mock1.On("Delete", mock.Anything, ns, "owner").Return(nil)

	mock2 := &MockStorageBackend{name: "mock-B"}
	mock2.On("Available", mock.Anything).Return(false)

	backends := []interfaces.StorageBackend{mock1, mock2}
	assert.NoError(t, NewMultiStorageBackend(backends, testLogger()).Delete(context.Background(), ns, "owner"))
	assertMocks(t, backends)
}
