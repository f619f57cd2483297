// Package backup archives directories and uploads the archives through the
// chunked upload driver, one independent job per directory.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup/checkpoint"
	"github.com/bitrise-io/go-dirbackup/backup/compression"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-dirbackup/backup/pathtemplate"
	"github.com/bitrise-io/go-dirbackup/config"
	"github.com/bitrise-io/go-dirbackup/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// Uploader sends a source to a remote destination.
type Uploader interface {
	Upload(ctx context.Context, source chunkuploader.Source, destination string) (*chunkuploader.UploadResult, error)
}

// Archiver packs a directory into an archive file.
type Archiver interface {
	Compress(archivePath, sourceDir string, format compression.Format, excludes []string) error
}

// DestinationEvaluator turns the destination template into a remote path.
type DestinationEvaluator interface {
	Evaluate(key string, job pathtemplate.JobContext) (string, error)
}

// RunnerOptions ...
type RunnerOptions struct {
	Base                string
	DestinationTemplate string
	Format              compression.Format
	Parallelism         int
	// WorkDir holds the archives while they are uploaded. A temporary directory is used when empty.
	WorkDir       string
	SkipUnchanged bool
}

// Runner runs backup jobs.
type Runner struct {
	opts      RunnerOptions
	uploader  Uploader
	archiver  Archiver
	evaluator DestinationEvaluator
	logger    log.Logger

	ledger       checkpoint.Ledger
	metrics      *Metrics
	jobLogger    func(name string) log.Logger
	pathProvider pathutil.PathProvider
	osProxy      internal.OsProxy
	now          func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLedger records finished uploads and lets unchanged archives be skipped.
func WithLedger(ledger checkpoint.Ledger) RunnerOption {
	return func(r *Runner) {
		r.ledger = ledger
	}
}

// WithMetrics ...
func WithMetrics(metrics *Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = metrics
	}
}

// WithJobLogger sets the logger used for the lines of a single job.
func WithJobLogger(jobLogger func(name string) log.Logger) RunnerOption {
	return func(r *Runner) {
		r.jobLogger = jobLogger
	}
}

// WithOsProxy ...
func WithOsProxy(osProxy internal.OsProxy) RunnerOption {
	return func(r *Runner) {
		r.osProxy = osProxy
	}
}

// NewRunner ...
func NewRunner(opts RunnerOptions, uploader Uploader, archiver Archiver, evaluator DestinationEvaluator, logger log.Logger, options ...RunnerOption) *Runner {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Format == "" {
		opts.Format = compression.FormatZip
	}
	if opts.DestinationTemplate == "" {
		opts.DestinationTemplate = pathtemplate.DefaultTemplate
	}

	r := &Runner{
		opts:         opts,
		uploader:     uploader,
		archiver:     archiver,
		evaluator:    evaluator,
		logger:       logger,
		jobLogger:    func(string) log.Logger { return logger },
		pathProvider: pathutil.NewPathProvider(),
		osProxy:      internal.RealOS{},
		now:          time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// JobStatus ...
type JobStatus string

const (
	StatusSucceeded JobStatus = "succeeded"
	StatusSkipped   JobStatus = "skipped"
	StatusFailed    JobStatus = "failed"
)

// JobResult is the outcome of one job.
type JobResult struct {
	Job         config.Job
	Destination string
	Status      JobStatus
	// Reason explains a skipped job.
	Reason      string
	ArchiveSize int64
	Upload      *chunkuploader.UploadResult
	Duration    time.Duration
	Err         error
}

// Report holds the result of every job, in the order of the jobs.
type Report struct {
	Results []JobResult
}

// Failed returns the failed jobs.
func (r Report) Failed() []JobResult {
	var failed []JobResult
	for _, result := range r.Results {
		if result.Status == StatusFailed {
			failed = append(failed, result)
		}
	}
	return failed
}

// Err joins the errors of the failed jobs, nil if every job went through.
func (r Report) Err() error {
	var errs []error
	for _, result := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", result.Job.Name, result.Err))
	}
	return errors.Join(errs...)
}

// Run backs up every job. A failing job does not stop the others.
func (r *Runner) Run(ctx context.Context, jobs []config.Job) Report {
	r.logger.TDebugf("Run start")
	defer r.logger.TDebugf("Run done")

	report := Report{Results: make([]JobResult, len(jobs))}

	workDir, cleanup, err := r.workDir()
	if err != nil {
		for i, job := range jobs {
			report.Results[i] = JobResult{Job: job, Status: StatusFailed, Err: err}
		}
		return report
	}
	defer cleanup()

	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			report.Results[i] = r.runJob(ctx, workDir, job)
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// workDir returns the directory archives are created in. A temporary one is
// removed by the returned cleanup, a configured one is kept.
func (r *Runner) workDir() (string, func(), error) {
	if r.opts.WorkDir == "" {
		dir, err := r.pathProvider.CreateTempDir("dirbackup")
		if err != nil {
			return "", nil, fmt.Errorf("create work dir: %w", err)
		}
		return dir, func() {
			if err := r.osProxy.RemoveAll(dir); err != nil {
				r.logger.Warnf("Failed to remove work dir: %s", err)
			}
		}, nil
	}

	if err := r.osProxy.MkdirAll(r.opts.WorkDir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}
	return r.opts.WorkDir, func() {}, nil
}

func (r *Runner) runJob(ctx context.Context, workDir string, job config.Job) (result JobResult) {
	logger := r.jobLogger(job.Name)
	started := r.now()
	result = JobResult{Job: job}

	defer func() {
		result.Duration = r.now().Sub(started)
		r.metrics.observeJob(result)
		switch result.Status {
		case StatusFailed:
			logger.Errorf("Backup of %s failed: %s", job.Name, result.Err)
		case StatusSkipped:
			logger.Donef("Backup of %s skipped, reason: %s", job.Name, result.Reason)
		default:
			logger.Donef("Backup of %s done in %s", job.Name, result.Duration.Round(time.Second))
		}
	}()

	fail := func(err error) JobResult {
		result.Status = StatusFailed
		result.Err = err
		return result
	}

	destination, err := r.evaluator.Evaluate(r.opts.DestinationTemplate, pathtemplate.JobContext{
		Base: r.opts.Base,
		Name: job.Name,
		Ext:  r.opts.Format.Extension(),
		Dir:  job.Path,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to evaluate destination: %w", err))
	}
	result.Destination = destination
	logger.Printf("Destination: %s", destination)

	info, err := r.osProxy.Stat(job.Path)
	if err != nil {
		return fail(fmt.Errorf("source: %w", err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("source is not a directory: %s", job.Path))
	}
	if empty, err := compression.IsEmptyDir(job.Path); err == nil && empty {
		logger.Warnf("The source directory %s is empty", job.Path)
		result.Status = StatusSkipped
		result.Reason = "source directory is empty"
		return result
	}

	logger.Infof("Archiving %s...", job.Path)
	archivePath := filepath.Join(workDir, fmt.Sprintf("%s.%s", job.Name, r.opts.Format.Extension()))
	defer func() {
		logger.Debugf("Removing archive %s", archivePath)
		if err := r.osProxy.RemoveAll(archivePath); err != nil {
			logger.Warnf("Failed to remove archive: %s", err)
		}
	}()

	compressionStartTime := r.now()
	if err := r.archiver.Compress(archivePath, job.Path, r.opts.Format, job.Exclude); err != nil {
		return fail(fmt.Errorf("compression failed: %w", err))
	}
	compressionTime := r.now().Sub(compressionStartTime)
	r.metrics.observePhase(phaseArchive, compressionTime)
	logger.Donef("Archive created in %s", compressionTime.Round(time.Second))

	archiveInfo, err := r.osProxy.Stat(archivePath)
	if err != nil {
		return fail(err)
	}
	result.ArchiveSize = archiveInfo.Size()
	logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(archiveInfo.Size()), 3))
	logger.Debugf("Archive path: %s", archivePath)

	checksumStartTime := r.now()
	archiveChecksum, err := checksumOfFile(archivePath)
	if err != nil {
		// resuming and skipping need the checksum, the upload itself does not
		logger.Warnf("Failed to compute archive checksum: %s", err)
	}
	r.metrics.observePhase(phaseChecksum, r.now().Sub(checksumStartTime))

	canSkip, reason := r.canSkipUpload(ctx, destination, archiveChecksum)
	if canSkip {
		result.Status = StatusSkipped
		result.Reason = reason.description()
		return result
	}
	logger.Debugf("Can't skip uploading the archive, reason: %s", reason.description())

	source, err := chunkuploader.OpenFileSource(archivePath)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warnf("Failed to close archive: %s", err)
		}
	}()
	source.SetFingerprint(archiveChecksum)

	logger.Infof("Uploading archive...")
	uploadStartTime := r.now()
	upload, err := r.uploader.Upload(ctx, source, destination)
	if err != nil {
		return fail(fmt.Errorf("upload failed: %w", err))
	}
	r.metrics.observePhase(phaseUpload, r.now().Sub(uploadStartTime))
	result.Upload = upload
	logger.Donef("Archive uploaded in %s (%d calls)", upload.Duration.Round(time.Second), upload.Calls)

	r.recordUpload(ctx, logger, destination, archiveChecksum, archiveInfo.Size())

	result.Status = StatusSucceeded
	return result
}

func (r *Runner) recordUpload(ctx context.Context, logger log.Logger, destination, checksum string, size int64) {
	if r.ledger == nil || checksum == "" {
		return
	}

	err := r.ledger.RecordUpload(ctx, checkpoint.Record{
		Destination: destination,
		Checksum:    checksum,
		Size:        size,
		UploadedAt:  r.now().UTC(),
	})
	if err != nil {
		logger.Warnf("Failed to record upload: %s", err)
	}
}
