package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"

	"github.com/Lllllllleong/pdfsplitter/internal/config"
)

// GCSEvent is the payload of a Cloud Storage object-finalized event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// ObjectDownloader copies gs://bucket/object into w.
type ObjectDownloader func(ctx context.Context, bucket, object string, w io.Writer) error

// GCSDownloader streams objects with a Cloud Storage client.
func GCSDownloader(client *storage.Client) ObjectDownloader {
	return func(ctx context.Context, bucket, object string, w io.Writer) error {
		reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
		}
		defer reader.Close()
		if _, err := io.Copy(w, reader); err != nil {
			return fmt.Errorf("failed to copy GCS object to local file: %w", err)
		}
		return nil
	}
}

// PDFSplitterFunction splits every PDF uploaded to a bucket as one history-tracked job.
type PDFSplitterFunction struct {
	fs       afero.Fs
	jobs     *JobManager
	download ObjectDownloader
	split    config.SplitConfig
	logger   *slog.Logger
}

func NewPDFSplitter(fsys afero.Fs, jobs *JobManager, download ObjectDownloader, split config.SplitConfig, logger *slog.Logger) *PDFSplitterFunction {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFSplitterFunction{fs: fsys, jobs: jobs, download: download, split: split, logger: logger}
}

// Process downloads the object, splits it with the configured defaults and
// waits for the job. Objects that are not PDFs are skipped.
func (f *PDFSplitterFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := f.logger.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !strings.EqualFold(path.Ext(e.Name), ".pdf") {
		logCtx.Info("Skipping non-PDF object.")
		return nil
	}
	logCtx.Info("Processing new GCS object.")

	tempDir, err := afero.TempDir(f.fs, "", "pdf-splitter-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := f.fs.RemoveAll(tempDir); err != nil {
			logCtx.Warn("Failed to remove temp dir.", "path", tempDir, "error", err)
		}
	}()

	sourcePath := filepath.Join(tempDir, path.Base(e.Name))
	if err := f.fetch(ctx, e, sourcePath); err != nil {
		logCtx.Error("Failed to download source PDF.", "error", err)
		return err
	}

	params, err := f.split.Params(sourcePath, filepath.Join(tempDir, "out"))
	if err != nil {
		return fmt.Errorf("invalid split defaults: %w", err)
	}
	handle, err := f.jobs.StartJob(ctx, params, nil, nil)
	if err != nil {
		return err
	}
	logCtx = logCtx.With("jobId", handle.ID())

	result, err := handle.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// the temp dir goes away on return, so the job must stop first
		handle.Cancel()
		<-handle.Done()
		logCtx.Warn("Invocation ended before the job finished.", "error", err)
		return err
	}
	if err != nil {
		return fmt.Errorf("job %s failed: %w", handle.ID(), err)
	}
	logCtx.Info("Object split.", "outputs", len(result.OutputFiles), "pages", result.TotalPages)
	return nil
}

func (f *PDFSplitterFunction) fetch(ctx context.Context, e GCSEvent, dest string) error {
	file, err := f.fs.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", dest, err)
	}
	if err := f.download(ctx, e.Bucket, e.Name, file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

