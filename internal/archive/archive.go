// Package archive keeps a durable copy of each fresh screenshot: the PNG goes
// to a blob store, a row goes to the record store, and a notification goes to
// the publisher. Every collaborator is optional.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/id/uuid"
)

// Config wires the archive destinations.
type Config struct {
	Blobs     capture.BlobStore
	Records   capture.RecordStore
	Publisher capture.Publisher
	// Topic receives notifications; empty disables publishing.
	Topic string
	// Prefix is prepended to every blob path.
	Prefix string
	IDs    capture.IDGenerator
	Logger *zap.Logger
}

// Archiver implements the coordinator's Recorder.
type Archiver struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Archiver.
func New(cfg Config) *Archiver {
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, logger: logger}
}

// BlobPath returns where a screenshot with the given content hash is stored.
// Identical renders share one object.
func BlobPath(prefix, hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(prefix, shard, hash+".png")
}

// Record archives a successful result. Failed results are ignored. The blob
// must be written before anything else is recorded; record and publish errors
// are joined.
func (a *Archiver) Record(ctx context.Context, res capture.Result) error {
	if !res.OK() {
		return nil
	}
	if res.Hash == "" {
		return errors.New("archive: result has no content hash")
	}

	var blobURI string
	if a.cfg.Blobs != nil {
		uri, err := a.cfg.Blobs.PutObject(ctx, BlobPath(a.cfg.Prefix, res.Hash), res.ContentType, bytes.NewReader(res.Image))
		if err != nil {
			return fmt.Errorf("archive blob: %w", err)
		}
		blobURI = uri
	}

	id, err := a.cfg.IDs.NewID()
	if err != nil {
		return fmt.Errorf("archive id: %w", err)
	}
	record := capture.Record{
		ID:          id,
		Key:         res.Key.String(),
		URL:         res.URL,
		CapturedAt:  res.CapturedAt,
		ContentHash: res.Hash,
		BlobURI:     blobURI,
		ByteSize:    res.Size(),
		StatusCode:  res.StatusCode,
	}

	var errs []error
	if a.cfg.Records != nil {
		if err := a.cfg.Records.StoreCapture(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("archive record: %w", err))
		}
	}
	if a.cfg.Publisher != nil && a.cfg.Topic != "" {
		msgID, err := a.cfg.Publisher.Publish(ctx, a.cfg.Topic, record)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive notify: %w", err))
		} else {
			a.logger.Debug("published capture notification",
				zap.String("key", record.Key),
				zap.String("message_id", msgID),
			)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	a.logger.Info("archived screenshot",
		zap.String("key", record.Key),
		zap.String("id", record.ID),
		zap.String("blob_uri", blobURI),
	)
	return nil
}
