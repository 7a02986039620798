package remote

import (
	"context"
	"sync"

	"github.com/benmeehan/location-agent/internal/models"
)

// MemoryStore is an in-process Store used for development runs and tests.
// Failures can be injected to emulate an unreliable network.
type MemoryStore struct {
	mu       sync.Mutex
	samples  map[string]models.LocationSample
	gate     *SchemaGate
	failures []error
	attempts int
}

// NewMemoryStore creates an empty store guarded by the given schema gate (may be nil).
func NewMemoryStore(gate *SchemaGate) *MemoryStore {
	return &MemoryStore{
		samples: make(map[string]models.LocationSample),
		gate:    gate,
	}
}

// FailNext makes the next n writes fail with err before reaching the store.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// Write stores the sample unless it already exists.
func (m *MemoryStore) Write(ctx context.Context, sample models.LocationSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if models.IsPermanent(err) {
			return err
		}
		return &models.TransientSyncError{ClientID: sample.ClientID, Err: err}
	}
	if err := m.gate.Check(sample); err != nil {
		return err
	}
	if _, exists := m.samples[sample.ClientID]; exists {
		return nil
	}
	m.samples[sample.ClientID] = sample
	return nil
}

// Read returns the device's samples after the cursor.
func (m *MemoryStore) Read(ctx context.Context, cursor models.SyncCursor, limit int) ([]models.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	all := make([]models.LocationSample, 0, len(m.samples))
	for _, s := range m.samples {
		if cursor.DeviceID == "" || s.DeviceID == cursor.DeviceID {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	sortSamples(all)
	return afterCursor(all, cursor, limit), nil
}

// Count returns the number of distinct stored samples.
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Attempts returns how many writes were attempted, including failed and duplicate ones.
func (m *MemoryStore) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Has reports whether the client id is stored.
func (m *MemoryStore) Has(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.samples[clientID]
	return ok
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
