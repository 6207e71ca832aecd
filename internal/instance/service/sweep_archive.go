package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"labforge/internal/common/storage"

	"github.com/klauspost/compress/gzip"
)

const sweepReportPrefix = "reaper/"

// SweepReport is the archived record of one sweep that found overdue instances.
type SweepReport struct {
	SweptAt time.Time `json:"swept_at"`
	Expired []string  `json:"expired"`
	SweepResult
}

// SweepArchiver persists sweep reports for later audit.
type SweepArchiver interface {
	Archive(ctx context.Context, report SweepReport) error
}

// ObjectArchiver writes gzipped JSON reports to object storage, keyed by day.
type ObjectArchiver struct {
	store  storage.ObjectStorage
	bucket string
}

// NewObjectArchiver creates an archiver for bucket.
func NewObjectArchiver(store storage.ObjectStorage, bucket string) (*ObjectArchiver, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ObjectArchiver{store: store, bucket: bucket}, nil
}

func (a *ObjectArchiver) Archive(ctx context.Context, report SweepReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode sweep report: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("compress sweep report: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress sweep report: %w", err)
	}
	return a.store.PutObject(ctx, a.bucket, SweepReportKey(report.SweptAt), &buf, int64(buf.Len()), storage.PutOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	})
}

// SweepReportKey returns the object key for a report taken at t.
func SweepReportKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/%d.json.gz", sweepReportPrefix, t.Format("2006/01/02"), t.UnixMilli())
}
