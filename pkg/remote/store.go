// Package remote contains the collaborators the sync engine uploads confirmed samples to.
// A store is append-only and keyed by the sample client id: writing a client id that is
// already stored is acknowledged without creating a second record.
package remote

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/benmeehan/location-agent/internal/models"
)

// Store is the remote authority for location samples.
type Store interface {
	// Write stores the sample. Errors are *models.TransientSyncError or *models.PermanentSyncError.
	Write(ctx context.Context, sample models.LocationSample) error
	// Read returns up to limit samples of the cursor's device positioned strictly after the
	// cursor, ordered by timestamp then client id.
	Read(ctx context.Context, cursor models.SyncCursor, limit int) ([]models.LocationSample, error)
	Close() error
}

// SchemaGate rejects samples whose schema version the remote does not accept.
type SchemaGate struct {
	constraint *semver.Constraints
}

// NewSchemaGate parses a semver constraint such as ">= 1.0.0, < 2.0.0".
// An empty constraint accepts every version.
func NewSchemaGate(constraint string) (*SchemaGate, error) {
	if constraint == "" {
		return &SchemaGate{}, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid schema constraint %q: %w", constraint, err)
	}
	return &SchemaGate{constraint: c}, nil
}

// Check returns a *models.PermanentSyncError when the sample cannot be accepted.
func (g *SchemaGate) Check(sample models.LocationSample) error {
	if g == nil || g.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(sample.SchemaVersion)
	if err != nil {
		return &models.PermanentSyncError{
			ClientID: sample.ClientID,
			Err:      fmt.Errorf("unparseable schema version %q: %w", sample.SchemaVersion, err),
		}
	}
	if !g.constraint.Check(v) {
		return &models.PermanentSyncError{
			ClientID: sample.ClientID,
			Err:      fmt.Errorf("schema version %s rejected by %s", v, g.constraint),
		}
	}
	return nil
}

// sortSamples orders samples by timestamp, then client id.
func sortSamples(samples []models.LocationSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Before(samples[j])
	})
}

// afterCursor drops samples at or before the cursor and truncates to limit.
func afterCursor(samples []models.LocationSample, cursor models.SyncCursor, limit int) []models.LocationSample {
	out := make([]models.LocationSample, 0, len(samples))
	for _, s := range samples {
		if cursor.Covers(s) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
