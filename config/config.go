// Package config loads the backup jobs and settings from a YAML or JSON file
// and overlays them with environment variables.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup/compression"
	"github.com/bitrise-io/go-dirbackup/backup/network"
	"github.com/bitrise-io/go-dirbackup/backup/pathtemplate"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	BackendDropbox    = "dropbox"
	BackendS3         = "s3"
	BackendByteStream = "bytestream"

	defaultChunkSize   = "100MiB"
	defaultLogDir      = "/var/log/dirbackup"
	defaultMaxRetries  = 3
	defaultParallelism = 1
)

// Job is one directory to back up.
type Job struct {
	Name    string   `yaml:"name" json:"name"`
	Path    string   `yaml:"path" json:"path"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Settings ...
type Settings struct {
	Backend        string `yaml:"backend" env:"DIRBACKUP_BACKEND,opt[dropbox,s3,bytestream]"`
	Base           string `yaml:"base" env:"DIRBACKUP_BASE,required"`
	Destination    string `yaml:"destination" env:"DIRBACKUP_DESTINATION,required"`
	Format         string `yaml:"format" env:"DIRBACKUP_FORMAT,opt[zip,tzst]"`
	ChunkSize      string `yaml:"chunk_size" env:"DIRBACKUP_CHUNK_SIZE,required"`
	Parallelism    int    `yaml:"parallelism" env:"DIRBACKUP_PARALLELISM"`
	WorkDir        string `yaml:"work_dir" env:"DIRBACKUP_WORK_DIR,dir"`
	LogDir         string `yaml:"log_dir" env:"DIRBACKUP_LOG_DIR"`
	Verbose        bool   `yaml:"verbose" env:"DIRBACKUP_VERBOSE"`
	SkipUnchanged  bool   `yaml:"skip_unchanged" env:"DIRBACKUP_SKIP_UNCHANGED"`
	AbortOnFailure bool   `yaml:"abort_on_failure" env:"DIRBACKUP_ABORT_ON_FAILURE"`
	MetricsFile    string `yaml:"metrics_file" env:"DIRBACKUP_METRICS_FILE"`

	Checkpoint CheckpointSettings `yaml:"checkpoint"`
	Dropbox    DropboxSettings    `yaml:"dropbox"`
	S3         S3Settings         `yaml:"s3"`
	ByteStream ByteStreamSettings `yaml:"bytestream"`
}

// CheckpointSettings selects where upload sessions are remembered between runs.
type CheckpointSettings struct {
	Store string `yaml:"store" env:"DIRBACKUP_CHECKPOINT_STORE,opt[none,file,sqlite]"`
	Dir   string `yaml:"dir" env:"DIRBACKUP_CHECKPOINT_DIR"`
}

// DropboxSettings ...
type DropboxSettings struct {
	WriteMode      string        `yaml:"write_mode" env:"DROPBOX_WRITE_MODE,opt[add,overwrite]"`
	MaxRetries     int           `yaml:"max_retries" env:"DROPBOX_MAX_RETRIES"`
	RetryWait      time.Duration `yaml:"retry_wait" env:"DROPBOX_RETRY_WAIT"`
	KeyringService string        `yaml:"keyring_service" env:"DROPBOX_KEYRING_SERVICE"`
	KeyringUser    string        `yaml:"keyring_user" env:"DROPBOX_KEYRING_USER"`
}

// S3Settings ...
type S3Settings struct {
	Bucket          string `yaml:"bucket" env:"DIRBACKUP_S3_BUCKET"`
	Region          string `yaml:"region" env:"AWS_REGION"`
	Endpoint        string `yaml:"endpoint" env:"DIRBACKUP_S3_ENDPOINT"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"DIRBACKUP_S3_USE_PATH_STYLE"`
	AccessKeyID     string `yaml:"-" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey Secret `yaml:"-" env:"AWS_SECRET_ACCESS_KEY"`
	SessionPrefix   string `yaml:"session_prefix" env:"DIRBACKUP_S3_SESSION_PREFIX"`
}

// ByteStreamSettings ...
type ByteStreamSettings struct {
	Host         string `yaml:"host" env:"DIRBACKUP_BYTESTREAM_HOST"`
	InstanceName string `yaml:"instance_name" env:"DIRBACKUP_BYTESTREAM_INSTANCE"`
	Insecure     bool   `yaml:"insecure" env:"DIRBACKUP_BYTESTREAM_INSECURE"`
	Token        Secret `yaml:"-" env:"DIRBACKUP_BYTESTREAM_TOKEN"`
}

// Config is a parsed config file.
type Config struct {
	Settings Settings
	Jobs     []Job
}

type fileDocument struct {
	Settings `yaml:",inline"`
	Jobs     []Job `yaml:"jobs"`
}

// DefaultSettings ...
func DefaultSettings() Settings {
	base, _ := os.Hostname()

	return Settings{
		Backend:     BackendDropbox,
		Base:        base,
		Destination: pathtemplate.DefaultTemplate,
		Format:      string(compression.FormatZip),
		ChunkSize:   defaultChunkSize,
		Parallelism: defaultParallelism,
		LogDir:      defaultLogDir,
		Checkpoint: CheckpointSettings{
			Store: "none",
		},
		Dropbox: DropboxSettings{
			WriteMode:      network.WriteModeOverwrite,
			MaxRetries:     defaultMaxRetries,
			KeyringService: "dropbox",
			KeyringUser:    "token",
		},
	}
}

// Decode parses a config document. It is either a list of jobs or a mapping
// of settings with the jobs under `jobs`. Missing settings keep their defaults.
func Decode(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config file is empty")
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}

	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}

	doc := fileDocument{Settings: DefaultSettings()}
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&doc.Jobs); err != nil {
			return nil, fmt.Errorf("parse jobs: %w", err)
		}
	case yaml.MappingNode:
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, errors.New("config must be a list of jobs or a mapping")
	}

	return &Config{Settings: doc.Settings, Jobs: doc.Jobs}, nil
}

// Load reads the config at path, applies the environment overrides and
// validates the result. Job paths are made absolute.
func Load(ctx context.Context, provider FileProvider, path string, envRepo env.Repository) (*Config, error) {
	rc, err := provider.Contents(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := Parse(&cfg.Settings, envRepo); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pathModifier := pathutil.NewPathModifier()
	for i, job := range cfg.Jobs {
		abs, err := pathModifier.AbsPath(job.Path)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
		cfg.Jobs[i].Path = abs
	}

	return cfg, nil
}

// Validate reports every problem of the config at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Jobs) == 0 {
		errs = append(errs, errors.New("no jobs configured"))
	}
	names := map[string]bool{}
	for i, job := range c.Jobs {
		if err := job.validate(); err != nil {
			errs = append(errs, fmt.Errorf("job #%d: %w", i+1, err))
			continue
		}
		if names[job.Name] {
			errs = append(errs, fmt.Errorf("job #%d: duplicate name %q", i+1, job.Name))
		}
		names[job.Name] = true
	}

	errs = append(errs, c.Settings.validate()...)
	return errors.Join(errs...)
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("name is empty")
	}
	if strings.ContainsAny(j.Name, `/\`) || j.Name == "." || j.Name == ".." {
		return fmt.Errorf("name %q must be a plain file name", j.Name)
	}
	if strings.TrimSpace(j.Path) == "" {
		return fmt.Errorf("path of %s is empty", j.Name)
	}
	return nil
}

func (s Settings) validate() []error {
	var errs []error

	if s.Base == "" {
		errs = append(errs, errors.New("base is empty"))
	}
	if _, err := compression.ParseFormat(s.Format); err != nil {
		errs = append(errs, err)
	}
	if s.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism must be at least 1, got %d", s.Parallelism))
	}

	chunkSize, err := s.ChunkSizeBytes()
	if err != nil {
		errs = append(errs, err)
	}

	switch s.Backend {
	case BackendDropbox:
	case BackendS3:
		if s.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 bucket is empty"))
		}
		if s.S3.Region == "" {
			errs = append(errs, errors.New("s3 region is empty"))
		}
		if err == nil {
			if err := network.ValidateChunkSize(chunkSize); err != nil {
				errs = append(errs, err)
			}
		}
	case BackendByteStream:
		if s.ByteStream.Host == "" {
			errs = append(errs, errors.New("bytestream host is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend: %s", s.Backend))
	}

	return errs
}

// ChunkSizeBytes parses the human readable chunk size, such as "100MiB" or "8m".
func (s Settings) ChunkSizeBytes() (int64, error) {
	size, err := units.RAMInBytes(s.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", s.ChunkSize, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %q", s.ChunkSize)
	}
	return size, nil
}

// CheckpointDir is where the checkpoint store lives, next to the logs unless configured.
func (s Settings) CheckpointDir() string {
	if s.Checkpoint.Dir != "" {
		return s.Checkpoint.Dir
	}
	return filepath.Join(s.LogDir, "state")
}
