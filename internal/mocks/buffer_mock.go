package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/location-agent/internal/models"
)

// MockSampleSink records enqueued samples
type MockSampleSink struct {
	mock.Mock
}

func (m *MockSampleSink) Enqueue(ctx context.Context, sample models.LocationSample) error {
	args := m.Called(ctx, sample)
	return args.Error(0)
}

// MockStatsSource is a mock source of buffer statistics
type MockStatsSource struct {
	mock.Mock
}

func (m *MockStatsSource) Stats(ctx context.Context) (models.BufferStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.BufferStats), args.Error(1)
}
