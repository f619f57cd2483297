package chunkuploader

import "fmt"

// DefaultChunkSize is the segment size used when none is configured (100 MiB).
const DefaultChunkSize int64 = 100 * 1024 * 1024

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the maximum number of bytes sent in a single remote call.
	// Sources not larger than this are sent with one direct upload.
	// Default: 100 MiB
	ChunkSize int64

	// AbortOnFailure makes the uploader ask the backend to discard the
	// open session after a failed call. Ignored when a checkpoint store is
	// set, since the session is then kept for resuming.
	// Default: false
	AbortOnFailure bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrProtocol, c.ChunkSize)
	}
	return nil
}

// NumCalls returns how many remote calls an upload of size bytes takes.
func (c Config) NumCalls(size int64) int64 {
	if size <= c.ChunkSize {
		return 1
	}
	return (size + c.ChunkSize - 1) / c.ChunkSize
}
