package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/models"
)

const (
	sampleDocType  = "location_sample"
	sampleDocIndex = "location-sample-order"
)

// sampleDoc is the CouchDB representation of a sample. The document id is derived
// from the client id, which makes writes idempotent: a second PUT conflicts.
type sampleDoc struct {
	ID            string   `json:"_id"`
	Rev           string   `json:"_rev,omitempty"`
	DocType       string   `json:"doc_type"`
	ClientID      string   `json:"client_id"`
	DeviceID      string   `json:"device_id"`
	TimestampNs   int64    `json:"ts_ns"`
	Timestamp     string   `json:"timestamp"`
	MonotonicNs   int64    `json:"monotonic_ns,omitempty"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Accuracy      float64  `json:"accuracy"`
	Speed         *float64 `json:"speed,omitempty"`
	SchemaVersion string   `json:"schema_version"`
}

// CouchStore writes samples to a CouchDB database through kivik.
type CouchStore struct {
	client *kivik.Client
	db     *kivik.DB
	gate   *SchemaGate
	logger zerolog.Logger
}

// NewCouchStore connects to CouchDB, creates the database and its query index when missing.
func NewCouchStore(ctx context.Context, dsn, dbName string, gate *SchemaGate, logger zerolog.Logger) (*CouchStore, error) {
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create couchdb client: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			client.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
		logger.Info().Str("database", dbName).Msg("Created remote database")
	}

	db := client.DB(dbName)
	index := map[string]interface{}{
		"fields": []string{"doc_type", "device_id", "ts_ns", "client_id"},
	}
	if err := db.CreateIndex(ctx, sampleDocIndex, sampleDocIndex, index); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create sample index: %w", err)
	}

	return &CouchStore{client: client, db: db, gate: gate, logger: logger}, nil
}

// Write puts the sample document. A conflict means the sample is already stored.
func (c *CouchStore) Write(ctx context.Context, sample models.LocationSample) error {
	if err := c.gate.Check(sample); err != nil {
		return err
	}

	doc := toDoc(sample)
	_, err := c.db.Put(ctx, doc.ID, doc)
	return classify(sample.ClientID, err)
}

// Read queries the device's samples positioned after the cursor.
func (c *CouchStore) Read(ctx context.Context, cursor models.SyncCursor, limit int) ([]models.LocationSample, error) {
	query := readQuery(cursor, limit)
	rows := c.db.Find(ctx, query)
	defer rows.Close()

	var samples []models.LocationSample
	for rows.Next() {
		var doc sampleDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan sample document: %w", err)
		}
		samples = append(samples, fromDoc(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}

	return afterCursor(samples, cursor, limit), nil
}

// readQuery selects the samples strictly after the cursor position in
// (ts_ns, client_id) order, so a full page never loses a slot to the cursor's
// own document.
func readQuery(cursor models.SyncCursor, limit int) map[string]interface{} {
	selector := map[string]interface{}{
		"doc_type":  sampleDocType,
		"device_id": cursor.DeviceID,
		"ts_ns":     map[string]interface{}{"$gte": int64(0)},
	}
	if !cursor.IsZero() {
		ts := cursor.LastTimestamp.UnixNano()
		selector["ts_ns"] = map[string]interface{}{"$gte": ts}
		selector["$or"] = []interface{}{
			map[string]interface{}{"ts_ns": map[string]interface{}{"$gt": ts}},
			map[string]interface{}{"ts_ns": ts, "client_id": map[string]interface{}{"$gt": cursor.LastClientID}},
		}
	}

	return map[string]interface{}{
		"selector": selector,
		"sort": []map[string]string{
			{"doc_type": "asc"}, {"device_id": "asc"}, {"ts_ns": "asc"}, {"client_id": "asc"},
		},
		"use_index": sampleDocIndex,
		"limit":     limit,
	}
}

// Close releases the HTTP client.
func (c *CouchStore) Close() error {
	return c.client.Close()
}

// classify maps a CouchDB error onto the sync error taxonomy.
func classify(clientID string, err error) error {
	if err == nil {
		return nil
	}

	switch kivik.HTTPStatus(err) {
	case http.StatusConflict:
		return nil
	case http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return &models.PermanentSyncError{ClientID: clientID, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &models.TransientSyncError{ClientID: clientID, Err: err}
}

func docID(clientID string) string {
	return "sample:" + clientID
}

func toDoc(s models.LocationSample) sampleDoc {
	return sampleDoc{
		ID:            docID(s.ClientID),
		DocType:       sampleDocType,
		ClientID:      s.ClientID,
		DeviceID:      s.DeviceID,
		TimestampNs:   s.Timestamp.UnixNano(),
		Timestamp:     s.Timestamp.UTC().Format(time.RFC3339Nano),
		MonotonicNs:   s.MonotonicNanos,
		Latitude:      s.Latitude,
		Longitude:     s.Longitude,
		Accuracy:      s.Accuracy,
		Speed:         s.Speed,
		SchemaVersion: s.SchemaVersion,
	}
}

func fromDoc(d sampleDoc) models.LocationSample {
	return models.LocationSample{
		ClientID:       d.ClientID,
		DeviceID:       d.DeviceID,
		Timestamp:      time.Unix(0, d.TimestampNs).UTC(),
		MonotonicNanos: d.MonotonicNs,
		Latitude:       d.Latitude,
		Longitude:      d.Longitude,
		Accuracy:       d.Accuracy,
		Speed:          d.Speed,
		SchemaVersion:  d.SchemaVersion,
	}
}
