package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup/compression"
	"github.com/bitrise-io/go-dirbackup/backup/network"
	"github.com/bitrise-io/go-dirbackup/backup/pathtemplate"
	"github.com/bitrise-io/go-dirbackup/config"
	"github.com/bitrise-io/go-dirbackup/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// ErrNoBackup is returned when the destination of a job holds no archive.
var ErrNoBackup = errors.New("no backup found")

// Extractor unpacks an archive file into a directory.
type Extractor interface {
	Decompress(archivePath string, format compression.Format, targetDir string) error
}

// Restorer downloads the archive of a job and extracts it.
type Restorer struct {
	opts       RunnerOptions
	downloader network.Downloader
	extractor  Extractor
	evaluator  DestinationEvaluator
	logger     log.Logger

	metrics      *Metrics
	pathProvider pathutil.PathProvider
	osProxy      internal.OsProxy
}

// NewRestorer ...
func NewRestorer(opts RunnerOptions, downloader network.Downloader, extractor Extractor, evaluator DestinationEvaluator, logger log.Logger, metrics *Metrics) *Restorer {
	if opts.Format == "" {
		opts.Format = compression.FormatZip
	}
	if opts.DestinationTemplate == "" {
		opts.DestinationTemplate = pathtemplate.DefaultTemplate
	}

	return &Restorer{
		opts:         opts,
		downloader:   downloader,
		extractor:    extractor,
		evaluator:    evaluator,
		logger:       logger,
		metrics:      metrics,
		pathProvider: pathutil.NewPathProvider(),
		osProxy:      internal.RealOS{},
	}
}

// Restore extracts the last backup of job into targetDir.
func (r *Restorer) Restore(ctx context.Context, job config.Job, targetDir string) error {
	destination, err := r.evaluator.Evaluate(r.opts.DestinationTemplate, pathtemplate.JobContext{
		Base: r.opts.Base,
		Name: job.Name,
		Ext:  r.opts.Format.Extension(),
		Dir:  job.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate destination: %w", err)
	}
	r.logger.Printf("Source: %s", destination)

	dir, err := r.pathProvider.CreateTempDir("dirbackup-restore")
	if err != nil {
		return err
	}
	defer func() {
		if err := r.osProxy.RemoveAll(dir); err != nil {
			r.logger.Warnf("Failed to remove download dir: %s", err)
		}
	}()
	archivePath := filepath.Join(dir, fmt.Sprintf("%s.%s", job.Name, r.opts.Format.Extension()))

	r.logger.Println()
	r.logger.Infof("Downloading archive...")
	downloadStartTime := time.Now()
	if err := r.downloader.Download(ctx, destination, archivePath); err != nil {
		if errors.Is(err, network.ErrArchiveNotFound) {
			return fmt.Errorf("%w at %s", ErrNoBackup, destination)
		}
		return fmt.Errorf("download failed: %w", err)
	}
	fileInfo, err := r.osProxy.Stat(archivePath)
	if err != nil {
		return err
	}
	r.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))
	downloadTime := time.Since(downloadStartTime)
	r.metrics.observePhase(phaseDownload, downloadTime)
	r.logger.Donef("Downloaded archive in %s", downloadTime.Round(time.Second))

	if err := r.osProxy.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	r.logger.Println()
	r.logger.Infof("Restoring archive to %s...", targetDir)
	extractionStartTime := time.Now()
	if err := r.extractor.Decompress(archivePath, r.opts.Format, targetDir); err != nil {
		return fmt.Errorf("failed to decompress archive: %w", err)
	}
	extractionTime := time.Since(extractionStartTime)
	r.metrics.observePhase(phaseExtract, extractionTime)
	r.logger.Donef("Restored archive in %s", extractionTime.Round(time.Second))

	return nil
}
