package backup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-dirbackup/backup/kv"
	"github.com/bitrise-io/go-dirbackup/backup/network"
	"github.com/bitrise-io/go-dirbackup/backup/network/chunkuploader"
	"github.com/bitrise-io/go-dirbackup/config"
	"github.com/bitrise-io/go-dirbackup/credentials"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"google.golang.org/grpc"
	grpccredentials "google.golang.org/grpc/credentials"
)

const byteStreamDialTimeout = 30 * time.Second

// Storage is a backend that archives can be uploaded to and downloaded from.
type Storage interface {
	chunkuploader.Backend
	network.Downloader
}

// NewStorage creates the backend selected by settings. The returned close
// function releases its connections.
func NewStorage(ctx context.Context, settings config.Settings, tokens credentials.Provider, logger log.Logger) (Storage, func() error, error) {
	noop := func() error { return nil }

	switch settings.Backend {
	case config.BackendDropbox:
		token, err := tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, credentials.ErrNoToken) {
				return nil, nil, fmt.Errorf("Dropbox access token: %w, set DROPBOX_TOKEN or store it in the keyring", err)
			}
			return nil, nil, fmt.Errorf("Dropbox access token: %w", err)
		}
		client, err := network.NewDropboxClient(network.DropboxParams{
			Token:      token,
			WriteMode:  settings.Dropbox.WriteMode,
			MaxRetries: dropboxRetries(settings.Dropbox.MaxRetries),
			RetryWait:  settings.Dropbox.RetryWait,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, noop, nil
	case config.BackendS3:
		backend, err := network.NewS3Backend(ctx, network.S3Params{
			Bucket:          settings.S3.Bucket,
			Region:          settings.S3.Region,
			Endpoint:        settings.S3.Endpoint,
			UsePathStyle:    settings.S3.UsePathStyle,
			AccessKeyID:     settings.S3.AccessKeyID,
			SecretAccessKey: string(settings.S3.SecretAccessKey),
			SessionPrefix:   settings.S3.SessionPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, noop, nil
	case config.BackendByteStream:
		var dialOptions []grpc.DialOption
		if !settings.ByteStream.Insecure {
			dialOptions = append(dialOptions, grpc.WithTransportCredentials(grpccredentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		client, err := kv.NewClient(ctx, kv.NewClientParams{
			UseInsecure:  settings.ByteStream.Insecure,
			Host:         settings.ByteStream.Host,
			DialTimeout:  byteStreamDialTimeout,
			InstanceName: settings.ByteStream.InstanceName,
			Token:        string(settings.ByteStream.Token),
			DialOptions:  dialOptions,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown backend: %s", settings.Backend)
}

// DropboxTokenEnvKey ...
const DropboxTokenEnvKey = "DROPBOX_TOKEN"

// TokenProvider looks up the Dropbox token in $DROPBOX_TOKEN and then in the OS keyring.
func TokenProvider(settings config.Settings, envRepo env.Repository) credentials.Provider {
	return credentials.Chain{
		credentials.NewEnvProvider(envRepo, DropboxTokenEnvKey),
		credentials.KeyringProvider{
			Service: settings.Dropbox.KeyringService,
			User:    settings.Dropbox.KeyringUser,
		},
	}
}

// dropboxRetries maps the configured retry count, where zero turns retries off.
func dropboxRetries(configured int) int {
	if configured <= 0 {
		return network.NoRetries
	}
	return configured
}
