// Command dirbackup archives directories and uploads them to Dropbox, S3 or
// a ByteStream server, resuming interrupted uploads where the store allows it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup"
	"github.com/bitrise-io/go-dirbackup/backup/checkpoint"
	"github.com/bitrise-io/go-dirbackup/backup/compression"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-dirbackup/backup/pathtemplate"
	"github.com/bitrise-io/go-dirbackup/config"
	"github.com/bitrise-io/go-dirbackup/internal/logging"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/juju/gnuflag"
)

const (
	commandBackup  = "backup"
	commandRestore = "restore"

	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], env.NewRepository(), log.NewLogger(), os.Stderr)
	stop()
	os.Exit(code)
}

type cliOptions struct {
	command    string
	configPath string

	base    string
	verbose bool
	logDir  string
	backend string

	name   string
	target string
}

func parseArgs(args []string, output io.Writer) (cliOptions, error) {
	opts := cliOptions{command: commandBackup}
	if len(args) > 0 && (args[0] == commandBackup || args[0] == commandRestore) {
		opts.command = args[0]
		args = args[1:]
	}

	f := gnuflag.NewFlagSet(opts.command, gnuflag.ContinueOnError)
	f.SetOutput(output)
	f.StringVar(&opts.base, "base", "", "remote base folder, defaults to the host name")
	f.BoolVar(&opts.verbose, "verbose", false, "print debug logs")
	f.BoolVar(&opts.verbose, "v", false, "")
	f.StringVar(&opts.logDir, "log-dir", "", "directory of the rotating log file")
	f.StringVar(&opts.backend, "backend", "", "storage backend: dropbox, s3 or bytestream")
	if opts.command == commandRestore {
		f.StringVar(&opts.name, "name", "", "name of the job to restore")
		f.StringVar(&opts.target, "target", "", "directory to restore into")
	}
	f.Usage = func() {
		fmt.Fprintf(output, "Usage: dirbackup %s [flags] <config>\n", opts.command)
		f.PrintDefaults()
	}

	if err := f.Parse(true, args); err != nil {
		return cliOptions{}, err
	}

	if f.NArg() != 1 {
		f.Usage()
		return cliOptions{}, errors.New("expected exactly one config file argument")
	}
	opts.configPath = f.Arg(0)

	if opts.command == commandRestore && (opts.name == "" || opts.target == "") {
		return cliOptions{}, errors.New("restore needs --name and --target")
	}

	return opts, nil
}

func (o cliOptions) apply(settings *config.Settings) {
	if o.base != "" {
		settings.Base = o.base
	}
	if o.verbose {
		settings.Verbose = true
	}
	if o.logDir != "" {
		settings.LogDir = o.logDir
	}
	if o.backend != "" {
		settings.Backend = o.backend
	}
}

func run(ctx context.Context, args []string, envRepo env.Repository, console log.Logger, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			return exitOK
		}
		console.Errorf("%s", err)
		return exitUsage
	}

	provider := config.NewFileProvider(console, fileutil.NewFileManager(), pathutil.NewPathModifier())
	cfg, err := config.Load(ctx, provider, opts.configPath, envRepo)
	if err != nil {
		console.Errorf("Invalid config: %s", err)
		return exitFailure
	}
	opts.apply(&cfg.Settings)
	if err := cfg.Validate(); err != nil {
		console.Errorf("Invalid config: %s", err)
		return exitFailure
	}
	console.EnableDebugLog(cfg.Settings.Verbose)

	var logger log.Logger = console
	jobLogger := func(string) log.Logger { return console }
	tee, err := logging.NewTeeLogger(console, logging.Options{Dir: cfg.Settings.LogDir, Name: "dirbackup"})
	if err != nil {
		console.Warnf("Logging to the console only: %s", err)
	} else {
		defer tee.Close() //nolint:errcheck
		logger = tee
		jobLogger = func(name string) log.Logger { return tee.Named(name) }
	}

	config.Print(logger, cfg.Settings)
	logger.Println()

	app, err := newApp(ctx, cfg.Settings, envRepo, logger)
	if err != nil {
		logger.Errorf("%s", err)
		return exitFailure
	}
	defer app.close(logger)

	switch opts.command {
	case commandRestore:
		err = app.restore(ctx, cfg.Jobs, opts.name, opts.target)
	default:
		err = app.backup(ctx, cfg.Jobs, jobLogger)
	}

	if cfg.Settings.MetricsFile != "" {
		if err := app.metrics.WriteToTextfile(cfg.Settings.MetricsFile); err != nil {
			logger.Warnf("Failed to write metrics: %s", err)
		}
	}

	if err != nil {
		logger.Errorf("%s", err)
		return exitFailure
	}
	return exitOK
}

type app struct {
	settings  config.Settings
	logger    log.Logger
	storage   backup.Storage
	archiver  *compression.Archiver
	evaluator pathtemplate.Model
	store     checkpoint.Store
	metrics   *backup.Metrics
	options   backup.RunnerOptions

	closeStorage func() error
}

func newApp(ctx context.Context, settings config.Settings, envRepo env.Repository, logger log.Logger) (*app, error) {
	format, err := compression.ParseFormat(settings.Format)
	if err != nil {
		return nil, err
	}

	storage, closeStorage, err := backup.NewStorage(ctx, settings, backup.TokenProvider(settings, envRepo), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", settings.Backend, err)
	}

	store, err := checkpoint.Open(settings.Checkpoint.Store, settings.CheckpointDir())
	if err != nil {
		_ = closeStorage()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	return &app{
		settings:  settings,
		logger:    logger,
		storage:   storage,
		archiver:  compression.NewArchiver(logger, envRepo, compression.NewDependencyChecker(logger, envRepo)),
		evaluator: pathtemplate.NewModel(envRepo, logger),
		store:     store,
		metrics:   backup.NewMetrics(),
		options: backup.RunnerOptions{
			Base:                settings.Base,
			DestinationTemplate: settings.Destination,
			Format:              format,
			Parallelism:         settings.Parallelism,
			WorkDir:             settings.WorkDir,
			SkipUnchanged:       settings.SkipUnchanged,
		},
		closeStorage: closeStorage,
	}, nil
}

func (a *app) close(logger log.Logger) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("Failed to close checkpoint store: %s", err)
		}
	}
	if err := a.closeStorage(); err != nil {
		logger.Warnf("Failed to close storage: %s", err)
	}
}

func (a *app) backup(ctx context.Context, jobs []config.Job, jobLogger func(string) log.Logger) error {
	chunkSize, err := a.settings.ChunkSizeBytes()
	if err != nil {
		return err
	}

	var uploaderOptions []chunkuploader.Option
	runnerOptions := []backup.RunnerOption{
		backup.WithMetrics(a.metrics),
		backup.WithJobLogger(jobLogger),
	}
	if a.store != nil {
		uploaderOptions = append(uploaderOptions, chunkuploader.WithCheckpointStore(a.store))
		runnerOptions = append(runnerOptions, backup.WithLedger(a.store))
	}

	uploader, err := chunkuploader.New(chunkuploader.Config{
		ChunkSize:      chunkSize,
		AbortOnFailure: a.settings.AbortOnFailure,
	}, a.storage, a.logger, uploaderOptions...)
	if err != nil {
		return err
	}

	started := time.Now()
	runner := backup.NewRunner(a.options, uploader, a.archiver, a.evaluator, a.logger, runnerOptions...)
	report := runner.Run(ctx, jobs)

	a.logger.Println()
	a.logSummary(report, time.Since(started))

	return report.Err()
}

func (a *app) logSummary(report backup.Report, elapsed time.Duration) {
	var succeeded, skipped int
	for _, result := range report.Results {
		switch result.Status {
		case backup.StatusSucceeded:
			succeeded++
		case backup.StatusSkipped:
			skipped++
		}
	}
	failed := len(report.Failed())

	summary := fmt.Sprintf("%d succeeded, %d skipped, %d failed in %s", succeeded, skipped, failed, elapsed.Round(time.Second))
	if failed > 0 {
		a.logger.Warnf("Backup finished: %s", summary)
		return
	}
	a.logger.Donef("Backup finished: %s", summary)
}

func (a *app) restore(ctx context.Context, jobs []config.Job, name, target string) error {
	for _, job := range jobs {
		if job.Name != name {
			continue
		}
		restorer := backup.NewRestorer(a.options, a.storage, a.archiver, a.evaluator, a.logger, a.metrics)
		return restorer.Restore(ctx, job, target)
	}
	return fmt.Errorf("no job named %q in the config", name)
}
