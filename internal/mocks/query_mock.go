package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/location-agent/internal/models"
)

// MockQuerier is a mock aggregate query service
type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Query(ctx context.Context, start, end time.Time, resolution time.Duration) ([]models.AggregateWindow, error) {
	args := m.Called(ctx, start, end, resolution)
	windows, _ := args.Get(0).([]models.AggregateWindow)
	return windows, args.Error(1)
}
