package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/spf13/afero"

	"github.com/Lllllllleong/pdfsplitter/internal/app"
	"github.com/Lllllllleong/pdfsplitter/internal/config"
	"github.com/Lllllllleong/pdfsplitter/internal/services"
)

var (
	pdfSplitterInstance *services.PDFSplitterFunction
	once                sync.Once
	initErr             error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("SplitAndPublish", splitAndPublish)
}

// main is required by the Go Functions Framework.
func main() {}

func initialize(ctx context.Context) (*services.PDFSplitterFunction, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, afero.NewOsFs(), logger)
	if err != nil {
		return nil, err
	}
	if a.Storage == nil {
		_ = a.Close()
		return nil, fmt.Errorf("%s_PUBLISH_BUCKET must be set for the storage trigger", config.EnvPrefix)
	}
	return services.NewPDFSplitter(a.FS, a.Jobs, services.GCSDownloader(a.Storage), cfg.Split, logger), nil
}

// splitAndPublish is the Cloud Function entry point.
func splitAndPublish(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		pdfSplitterInstance, initErr = initialize(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return pdfSplitterInstance.Process(ctx, gcsEvent)
}
