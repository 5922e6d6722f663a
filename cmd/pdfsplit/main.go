// Command pdfsplit splits PDFs, browses split history and serves the job API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/Lllllllleong/pdfsplitter/internal/app"
	"github.com/Lllllllleong/pdfsplitter/internal/config"
	"github.com/Lllllllleong/pdfsplitter/internal/history"
	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/Lllllllleong/pdfsplitter/internal/server"
	"github.com/Lllllllleong/pdfsplitter/internal/services"
	"github.com/Lllllllleong/pdfsplitter/internal/splitter"
)

const usage = `usage: pdfsplit <command> [flags]

commands:
  split <input.pdf> <output-dir>   split a PDF in the foreground
  history list                     list past jobs
  history show <id>                print one job as JSON
  history clear                    delete every history record
  rerun <id>                       run a past job again with its stored parameters
  serve                            serve the HTTP/WebSocket job API
`

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	fs     afero.Fs
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitFailure
	}
	c := &cli{stdout: stdout, stderr: stderr, fs: afero.NewOsFs()}
	return c.dispatch(ctx, args)
}

func (c *cli) dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, usage)
		return exitUsage
	}
	var err error
	switch args[0] {
	case "split":
		err = c.split(ctx, args[1:])
	case "history":
		if len(args) < 2 {
			fmt.Fprint(c.stderr, usage)
			return exitUsage
		}
		switch args[1] {
		case "list":
			err = c.historyList(ctx, args[2:])
		case "show":
			err = c.historyShow(ctx, args[2:])
		case "clear":
			err = c.historyClear(ctx, args[2:])
		default:
			err = usageError("unknown history command %q", args[1])
		}
	case "rerun":
		err = c.rerun(ctx, args[1:])
	case "serve":
		err = c.serve(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(c.stdout, usage)
		return exitOK
	default:
		err = usageError("unknown command %q", args[0])
	}
	return c.exitCode(err)
}

type usageErr struct{ msg string }

func (e *usageErr) Error() string { return e.msg }

func usageError(format string, args ...any) error {
	return &usageErr{msg: fmt.Sprintf(format, args...)}
}

func (c *cli) exitCode(err error) int {
	var uerr *usageErr
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pflag.ErrHelp):
		return exitOK
	case errors.As(err, &uerr):
		fmt.Fprintln(c.stderr, "Error:", err)
		fmt.Fprint(c.stderr, usage)
		return exitUsage
	case splitter.IsCancelled(err):
		fmt.Fprintln(c.stderr, "Cancelled.")
		return exitCancelled
	}
	if kind := splitter.KindOf(err); kind != 0 {
		fmt.Fprintf(c.stderr, "Error (%s): %v\n", kind, err)
	} else {
		fmt.Fprintln(c.stderr, "Error:", err)
	}
	return exitFailure
}

func (c *cli) newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(c.stderr)
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json or text)")
	flags.String("history-backend", "", "history backend (file, firestore or postgres)")
	flags.String("history-dir", "", "directory of the file history backend")
	flags.String("firestore-project", "", "GCP project of the firestore history backend")
	flags.String("postgres-dsn", "", "connection string of the postgres history backend")
	return flags
}

func addSplitFlags(flags *pflag.FlagSet) {
	flags.String("strategy", "", "ranges, each_page, every_n_pages, odd_together or even_together")
	flags.String("ranges", "", `page ranges for the ranges strategy, e.g. "1-3,5,7-"`)
	flags.Int("every", 0, "pages per file for the every_n_pages strategy")
	flags.String("prefix", "", "output file name prefix")
	flags.Int("pad", 0, "zero padding of the output sequence number")
	flags.Bool("preserve-metadata", true, "copy document metadata into every output")
	flags.Int("max-input-mb", 0, "reject inputs larger than this many MB (0 disables)")
	flags.String("bucket", "", "publish outputs to this Cloud Storage bucket")
	flags.Bool("recover", false, "mark jobs left unfinished by a crashed process as failed")
}

func (c *cli) open(ctx context.Context, flags *pflag.FlagSet) (*app.App, error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log, c.stderr)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, c.fs, logger)
}

func (c *cli) split(ctx context.Context, args []string) error {
	flags := c.newFlagSet("split")
	addSplitFlags(flags)
	quiet := flags.BoolP("quiet", "q", false, "do not print progress")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		return usageError("split needs <input.pdf> and <output-dir>")
	}

	a, err := c.open(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	params, err := a.Config.Split.Params(flags.Arg(0), flags.Arg(1))
	if err != nil {
		return usageError("%v", err)
	}
	return c.runJob(ctx, a, func(progress splitter.ProgressFunc) (*services.JobHandle, error) {
		return a.Jobs.StartJob(ctx, params, progress, nil)
	}, *quiet)
}

func (c *cli) rerun(ctx context.Context, args []string) error {
	flags := c.newFlagSet("rerun")
	flags.String("bucket", "", "publish outputs to this Cloud Storage bucket")
	quiet := flags.BoolP("quiet", "q", false, "do not print progress")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return usageError("rerun needs a job id")
	}

	a, err := c.open(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	return c.runJob(ctx, a, func(progress splitter.ProgressFunc) (*services.JobHandle, error) {
		return a.Jobs.Rerun(ctx, flags.Arg(0), progress, nil)
	}, *quiet)
}

// runJob starts a job and waits for it. An interrupt cancels the job
// cooperatively and still waits for it to record its final state.
func (c *cli) runJob(ctx context.Context, a *app.App, start func(splitter.ProgressFunc) (*services.JobHandle, error), quiet bool) error {
	var progress splitter.ProgressFunc
	if !quiet {
		progress = func(fraction float64, message string) {
			fmt.Fprintf(c.stderr, "[%3.0f%%] %s\n", fraction*100, message)
		}
	}
	handle, err := start(progress)
	if err != nil {
		return err
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		fmt.Fprintln(c.stderr, "Cancelling after the current file...")
		handle.Cancel()
		<-handle.Done()
	}
	result, err := handle.Wait(context.WithoutCancel(ctx))
	if err != nil {
		if written := splitter.WrittenBefore(err); len(written) > 0 {
			fmt.Fprintf(c.stderr, "%d file(s) were written before the failure.\n", len(written))
		}
		return err
	}

	fmt.Fprintf(c.stderr, "Job %s: %d page(s) into %d file(s) in %s.\n",
		handle.ID(), result.TotalPages, len(result.OutputFiles),
		splitter.HumanizeDuration(result.DurationMs))
	for _, path := range result.OutputFiles {
		fmt.Fprintln(c.stdout, path)
	}
	return nil
}

func (c *cli) historyList(ctx context.Context, args []string) error {
	flags := c.newFlagSet("history list")
	status := flags.String("status", "", "only jobs with this status")
	search := flags.StringP("search", "s", "", "case-insensitive search in input and output paths")
	limit := flags.Int("limit", history.DefaultListLimit, "maximum number of jobs")
	offset := flags.Int("offset", 0, "skip this many jobs")
	asJSON := flags.Bool("json", false, "print JSON instead of a table")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *status != "" && !models.JobStatus(*status).Valid() {
		return usageError("unknown status %q", *status)
	}

	a, err := c.open(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.Store.ListJobs(ctx, history.ListQuery{
		Limit:  *limit,
		Offset: *offset,
		Status: models.JobStatus(*status),
		Search: *search,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		if records == nil {
			records = []*models.HistoryRecord{}
		}
		return writeJSON(c.stdout, records)
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tSTRATEGY\tOUTPUTS\tINPUT")
	for _, rec := range records {
		outputs := "-"
		if rec.OutputCount != nil {
			outputs = fmt.Sprint(*rec.OutputCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strings.ToUpper(string(rec.Status)), rec.Strategy, outputs, rec.InputPath)
	}
	return tw.Flush()
}

func (c *cli) historyShow(ctx context.Context, args []string) error {
	flags := c.newFlagSet("history show")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return usageError("history show needs a job id")
	}

	a, err := c.open(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.Store.GetJob(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	return writeJSON(c.stdout, rec)
}

func (c *cli) historyClear(ctx context.Context, args []string) error {
	flags := c.newFlagSet("history clear")
	if err := flags.Parse(args); err != nil {
		return err
	}
	a, err := c.open(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stderr, "History cleared.")
	return nil
}

func (c *cli) serve(ctx context.Context, args []string) error {
	flags := c.newFlagSet("serve")
	addSplitFlags(flags)
	flags.String("addr", "", "listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := c.open(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	defaults, err := a.Config.Split.Params("", "")
	if err != nil {
		return usageError("%v", err)
	}
	hub := server.NewHub(a.Logger)
	go hub.Run(ctx)

	srv := server.New(a.Jobs, a.Store, hub, defaults, a.Logger)
	serveErr := srv.Run(ctx, a.Config.Server.Addr)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.Jobs.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Jobs did not stop in time.", "error", err)
	}
	return serveErr
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
