// Package exports writes JSON Lines archives to Cloud Storage.
package exports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const contentTypeJSONL = "application/x-ndjson"

var (
	errBucketRequired = errors.New("exports: bucket is required")
	errPrefixRequired = errors.New("exports: prefix is required")
	errIDRequired     = errors.New("exports: id is required")
)

// ObjectWriter stores a finished object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, body io.Reader) error
}

// GCSWriter stores objects with the Cloud Storage client.
type GCSWriter struct {
	client *storage.Client
}

// NewGCSWriter wraps client.
func NewGCSWriter(client *storage.Client) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("exports: storage client is required")
	}
	return &GCSWriter{client: client}, nil
}

// WriteObject implements ObjectWriter. The object is only created when Close succeeds.
func (w *GCSWriter) WriteObject(ctx context.Context, bucket, object, contentType string, body io.Reader) error {
	obj := w.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("exports: write gs://%s/%s: %w", bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("exports: finalise gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

// ObjectPath builds prefix/YYYY/MM/DD/id.jsonl in UTC.
func ObjectPath(prefix string, at time.Time, id string) (string, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "", errPrefixRequired
	}
	if strings.TrimSpace(id) == "" {
		return "", errIDRequired
	}
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, at.UTC().Format("2006/01/02"), id), nil
}

// Result describes a written archive.
type Result struct {
	Bucket string
	Object string
	Rows   int
	Bytes  int
}

// URI renders the gs:// location.
func (r Result) URI() string {
	return fmt.Sprintf("gs://%s/%s", r.Bucket, r.Object)
}

// WriteJSONL encodes rows one per line and stores them at object in bucket.
func WriteJSONL[T any](ctx context.Context, writer ObjectWriter, bucket, object string, rows []T) (Result, error) {
	if strings.TrimSpace(bucket) == "" {
		return Result{}, errBucketRequired
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range rows {
		if err := encoder.Encode(rows[i]); err != nil {
			return Result{}, fmt.Errorf("exports: encode row %d: %w", i, err)
		}
	}
	size := buf.Len()
	if err := writer.WriteObject(ctx, bucket, object, contentTypeJSONL, &buf); err != nil {
		return Result{}, err
	}
	return Result{Bucket: bucket, Object: object, Rows: len(rows), Bytes: size}, nil
}
