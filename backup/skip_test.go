package backup

import (
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-dirbackup/backup/checkpoint"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
)

func Test_canSkipUpload(t *testing.T) {
	const (
		destination = "/laptop/docs.zip"
		checksum    = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	)
	previous := map[string]checkpoint.Record{destination: {Destination: destination, Checksum: checksum}}

	tests := []struct {
		name          string
		skipUnchanged bool
		ledger        checkpoint.Ledger
		checksum      string
		want          bool
		wantReason    skipReason
	}{
		{
			name:       "Skipping is disabled",
			ledger:     &fakeLedger{records: previous},
			checksum:   checksum,
			wantReason: reasonSkipDisabled,
		},
		{
			name:          "No ledger",
			skipUnchanged: true,
			checksum:      checksum,
			wantReason:    reasonNoLedger,
		},
		{
			name:          "Unknown checksum",
			skipUnchanged: true,
			ledger:        &fakeLedger{records: previous},
			wantReason:    reasonNoChecksum,
		},
		{
			name:          "Ledger lookup fails",
			skipUnchanged: true,
			ledger:        &fakeLedger{err: errors.New("database is locked")},
			checksum:      checksum,
			wantReason:    reasonLedgerError,
		},
		{
			name:          "First upload",
			skipUnchanged: true,
			ledger:        &fakeLedger{},
			checksum:      checksum,
			wantReason:    reasonNoPreviousUpload,
		},
		{
			name:          "Archive changed",
			skipUnchanged: true,
			ledger:        &fakeLedger{records: previous},
			checksum:      "0000",
			wantReason:    reasonChecksumChanged,
		},
		{
			name:          "Archive unchanged",
			skipUnchanged: true,
			ledger:        &fakeLedger{records: previous},
			checksum:      checksum,
			want:          true,
			wantReason:    reasonSameChecksum,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			r := &Runner{
				opts:   RunnerOptions{SkipUnchanged: tt.skipUnchanged},
				ledger: tt.ledger,
				logger: log.NewLogger(),
			}

			// When
			canSkip, reason := r.canSkipUpload(context.Background(), destination, tt.checksum)

			// Then
			assert.Equal(t, tt.want, canSkip)
			assert.Equal(t, tt.wantReason, reason)
			assert.NotEqual(t, "unknown", reason.description())
		})
	}
}
