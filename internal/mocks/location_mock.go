package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/location-agent/pkg/location"
)

// MockProvider is a mock implementation of location.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GetLocation(ctx context.Context) (location.Fix, error) {
	args := m.Called(ctx)
	return args.Get(0).(location.Fix), args.Error(1)
}

func (m *MockProvider) Close() error {
	args := m.Called()
	return args.Error(0)
}
