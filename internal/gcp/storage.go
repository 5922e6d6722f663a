package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
)

const (
	DefaultPublishConcurrency = 10
	uploadAttempts            = 4
	uploadTimeout             = 50 * time.Second
)

// BucketPublisher copies split outputs to gs://bucket/prefix/<jobID>/<file>.
type BucketPublisher struct {
	fs          afero.Fs
	bucket      string
	prefix      string
	concurrency int
	backoff     time.Duration
	logger      *slog.Logger
	upload      func(ctx context.Context, object string, r io.Reader) error
}

func NewBucketPublisher(client *storage.Client, fsys afero.Fs, bucket, prefix string, concurrency int) (*BucketPublisher, error) {
	if bucket == "" {
		return nil, errors.New("bucket must be provided to publish outputs")
	}
	if concurrency < 1 {
		concurrency = DefaultPublishConcurrency
	}
	handle := client.Bucket(bucket)
	return &BucketPublisher{
		fs:          fsys,
		bucket:      bucket,
		prefix:      prefix,
		concurrency: concurrency,
		backoff:     time.Second,
		logger:      slog.Default(),
		upload: func(ctx context.Context, object string, r io.Reader) error {
			return writeIfAbsent(ctx, handle, object, r)
		},
	}, nil
}

// ObjectName is where a local output lands for a job.
func (p *BucketPublisher) ObjectName(jobID, localPath string) string {
	return path.Join(p.prefix, jobID, filepath.Base(localPath))
}

// Publish uploads files concurrently and returns their gs:// URIs in input order.
func (p *BucketPublisher) Publish(ctx context.Context, jobID string, files []string) ([]string, error) {
	logCtx := p.logger.With("jobId", jobID, "bucket", p.bucket)
	logCtx.Info("Starting concurrent upload of outputs.", "count", len(files))

	uris := make([]string, len(files))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.concurrency)
	for i, file := range files {
		object := p.ObjectName(jobID, file)
		uris[i] = fmt.Sprintf("gs://%s/%s", p.bucket, object)
		eg.Go(func() error {
			if err := p.uploadWithRetry(gctx, logCtx, file, object); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(file), err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("one or more outputs failed to upload: %w", err)
	}
	logCtx.Info("All outputs uploaded successfully.")
	return uris, nil
}

func (p *BucketPublisher) uploadWithRetry(ctx context.Context, logCtx *slog.Logger, localPath, object string) error {
	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		err := func() error {
			f, err := p.fs.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer f.Close()
			writeCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
			defer cancel()
			return p.upload(writeCtx, object, f)
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == uploadAttempts {
			break
		}
		logCtx.Warn("Upload failed, will retry.", "gcsObject", object, "attempt", attempt, "maxAttempts", uploadAttempts, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			logCtx.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", object, "error", ctx.Err())
			return ctx.Err()
		}
	}
	logCtx.Error("Upload failed after all retries.", "gcsObject", object, "error", lastErr)
	return fmt.Errorf("upload of %s failed after %d attempts: %w", object, uploadAttempts, lastErr)
}

// writeIfAbsent creates object only if it does not exist yet. An existing
// object is left alone and counts as success so re-delivered events are harmless.
func writeIfAbsent(ctx context.Context, bucket *storage.BucketHandle, object string, r io.Reader) error {
	w := bucket.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/pdf"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "gcsObject", object)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
