package backup

import (
	"context"
)

type skipReason int

const (
	reasonSkipDisabled skipReason = iota
	reasonNoLedger
	reasonNoChecksum
	reasonLedgerError
	reasonNoPreviousUpload
	reasonChecksumChanged
	reasonSameChecksum
)

func (r skipReason) description() string {
	switch r {
	case reasonSkipDisabled:
		return "skipping unchanged archives is disabled"
	case reasonNoLedger:
		return "there is no checkpoint store to compare with"
	case reasonNoChecksum:
		return "the archive checksum is unknown"
	case reasonLedgerError:
		return "the previous upload could not be looked up"
	case reasonNoPreviousUpload:
		return "there was no previous upload to this destination"
	case reasonChecksumChanged:
		return "the archive differs from the previous upload"
	case reasonSameChecksum:
		return "the archive is the same as the previous upload"
	default:
		return "unknown"
	}
}

func (r *Runner) canSkipUpload(ctx context.Context, destination, checksum string) (bool, skipReason) {
	if !r.opts.SkipUnchanged {
		return false, reasonSkipDisabled
	}
	if r.ledger == nil {
		return false, reasonNoLedger
	}
	if checksum == "" {
		return false, reasonNoChecksum
	}

	previous, err := r.ledger.LastUpload(ctx, destination)
	if err != nil {
		r.logger.Warnf("Failed to look up previous upload: %s", err)
		return false, reasonLedgerError
	}
	if previous == nil {
		return false, reasonNoPreviousUpload
	}
	if previous.Checksum != checksum {
		return false, reasonChecksumChanged
	}

	return true, reasonSameChecksum
}
