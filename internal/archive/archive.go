// Package archive exports confirmed samples to object storage before they are
// purged from the local buffer.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/pkg/encryption"
)

// ObjectPutter uploads one object.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, content io.Reader, size int64, contentType string) error
}

// Result describes one archive and purge run.
type Result struct {
	Archived int    `json:"archived"`
	Purged   int64  `json:"purged"`
	Object   string `json:"object,omitempty"`
}

// Archiver writes confirmed samples as JSON lines to a bucket, optionally
// sealed with AES-GCM, and then purges them locally.
type Archiver struct {
	buffer    *buffer.Buffer
	storage   ObjectPutter // nil disables the export
	bucket    string
	prefix    string
	encryptor encryption.EncryptionManagerInterface // nil stores plain JSON lines
	logger    zerolog.Logger
}

// NewArchiver creates an Archiver. Objects are named below prefix, usually the device id.
func NewArchiver(buf *buffer.Buffer, storage ObjectPutter, bucket, prefix string,
	encryptor encryption.EncryptionManagerInterface, logger zerolog.Logger) *Archiver {
	return &Archiver{
		buffer:    buf,
		storage:   storage,
		bucket:    bucket,
		prefix:    prefix,
		encryptor: encryptor,
		logger:    logger,
	}
}

// ArchiveAndPurge exports every confirmed sample older than before and purges
// exactly the exported rows. Nothing is purged when the upload fails.
func (a *Archiver) ArchiveAndPurge(ctx context.Context, before time.Time) (Result, error) {
	if a.storage == nil {
		n, err := a.buffer.Purge(ctx, before)
		return Result{Purged: n}, err
	}

	samples, err := a.readConfirmed(ctx, before)
	if err != nil {
		return Result{}, err
	}
	if len(samples) == 0 {
		return Result{}, nil
	}

	payload, err := a.encode(samples)
	if err != nil {
		return Result{}, err
	}

	object := a.objectName(samples[0].Timestamp, before)
	contentType := "application/x-ndjson"
	if a.encryptor != nil {
		if payload, err = a.encryptor.Encrypt(payload); err != nil {
			return Result{}, fmt.Errorf("failed to encrypt archive: %w", err)
		}
		object += ".enc"
		contentType = "application/octet-stream"
	}

	if err := a.storage.PutObject(ctx, a.bucket, object, bytes.NewReader(payload), int64(len(payload)), contentType); err != nil {
		return Result{}, fmt.Errorf("failed to upload archive %s: %w", object, err)
	}

	// Confirmation stamps follow commit order, so the newest stamp in the export
	// bounds the rows the export contains.
	var confirmedBy time.Time
	for _, s := range samples {
		if s.UpdatedAt.After(confirmedBy) {
			confirmedBy = s.UpdatedAt
		}
	}
	purged, err := a.buffer.PurgeConfirmedBy(ctx, before, confirmedBy)
	if err != nil {
		return Result{Archived: len(samples), Object: object}, err
	}

	a.logger.Info().
		Str("bucket", a.bucket).
		Str("object", object).
		Int("archived", len(samples)).
		Int64("purged", purged).
		Msg("Archived and purged confirmed samples")
	return Result{Archived: len(samples), Purged: purged, Object: object}, nil
}

func (a *Archiver) readConfirmed(ctx context.Context, before time.Time) ([]models.BufferedSample, error) {
	snap, err := a.buffer.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return snap.ConfirmedBefore(ctx, before)
}

// encode writes one JSON object per line.
func (a *Archiver) encode(samples []models.BufferedSample) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range samples {
		if err := enc.Encode(s.LocationSample); err != nil {
			return nil, fmt.Errorf("failed to encode sample %s: %w", s.ClientID, err)
		}
	}
	return buf.Bytes(), nil
}

func (a *Archiver) objectName(from, before time.Time) string {
	const layout = "20060102T150405Z"
	name := fmt.Sprintf("%s_%s.jsonl", from.UTC().Format(layout), before.UTC().Format(layout))
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}
