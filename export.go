package nbd

import (
	"fmt"
	"os"
)

// Capabilities holds the boolean capability flags of an Export, §3.
type Capabilities struct {
	ReadOnly   bool
	CanResize  bool
	FastZero   bool
	Trim       bool
	Flush      bool
	Rotational bool
	DF         bool // do-not-fragment supported for structured reads
	MultiConn  bool
}

// Export is immutable per-export metadata, constructed once from the
// backing file's stat and never mutated afterwards; it is shared by
// reference across every worker goroutine serving it, per the Design Note
// in §9 on separating per-server immutable state from per-connection
// mutable state.
type Export struct {
	path          string
	name          string
	description   string
	size          uint64
	isBlockDevice bool
	caps          Capabilities
}

// NewExport stats path and constructs an immutable Export descriptor.
func NewExport(path, name, description string, readOnly bool) (*Export, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("nbd: stat export: %w", err)
	}
	if len(name) > 0xffffffff || len(description) > 0xffffffff {
		return nil, fmt.Errorf("nbd: export name/description exceeds 32-bit length")
	}

	isBlockDevice := statIsBlockDevice(fi)

	return &Export{
		path:          path,
		name:          name,
		description:   description,
		size:          uint64(fi.Size()),
		isBlockDevice: isBlockDevice,
		caps: Capabilities{
			ReadOnly:   readOnly,
			Flush:      true,
			DF:         true,
			Rotational: statIsRotational(fi, isBlockDevice),
		},
	}, nil
}

// Path returns the filesystem path backing the export.
func (ex *Export) Path() string { return ex.path }

// Name returns the advertised export name.
func (ex *Export) Name() string { return ex.name }

// Description returns the advertised export description.
func (ex *Export) Description() string { return ex.description }

// Size returns the export size in bytes, as derived from the backing
// file's stat at construction time.
func (ex *Export) Size() uint64 { return ex.size }

// ReadOnly reports whether the export was opened read-only.
func (ex *Export) ReadOnly() bool { return ex.caps.ReadOnly }

// IsBlockDevice reports whether the backing path is a block special file
// rather than a regular file, as determined at construction time via
// stat(2).
func (ex *Export) IsBlockDevice() bool { return ex.isBlockDevice }

// transmissionFlags computes the 2-byte transmission flags word of §4.3.1
// from the export's capability flags. SEND_FUA is always set; SEND_WRITE_ZEROES
// and SEND_CACHE have no capability flag and are never set.
func (ex *Export) transmissionFlags() uint16 {
	f := transFlagHasFlags
	if ex.caps.ReadOnly {
		f |= transFlagReadOnly
	}
	if ex.caps.Flush {
		f |= transFlagSendFlush
	}
	f |= transFlagSendFUA
	if ex.caps.Rotational {
		f |= transFlagRotational
	}
	if ex.caps.Trim {
		f |= transFlagSendTrim
	}
	if ex.caps.DF {
		f |= transFlagSendDF
	}
	if ex.caps.MultiConn {
		f |= transFlagCanMultiConn
	}
	if ex.caps.CanResize {
		f |= transFlagSendResize
	}
	if ex.caps.FastZero {
		f |= transFlagSendFastZero
	}
	return f
}

// blockSizeConstraints computes the minimum/preferred/maximum block sizes
// advertised by NBD_INFO_BLOCK_SIZE, §4.3.2: minimum 1, preferred 4096,
// maximum min(size, 32 MiB).
func (ex *Export) blockSizeConstraints() (min, preferred, max uint32) {
	const (
		preferredBlockSize = 4096
		maxBlockSizeCap    = 32 << 20
	)
	max = maxBlockSizeCap
	if ex.size < maxBlockSizeCap {
		max = uint32(ex.size)
	}
	return 1, preferredBlockSize, max
}
