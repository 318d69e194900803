package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Buffer pool outcomes. These are expected conditions, not corruption.
	ErrPageNotFound       = errors.New("page not found in buffer pool")
	ErrBufferPoolFull     = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned         = errors.New("page is pinned and cannot be deleted")
	ErrPageNotPinned      = errors.New("page is not pinned")
	ErrAllShardsExhausted = errors.New("all buffer pool instances are exhausted")
	ErrInvalidPageID      = errors.New("invalid page id")

	// Disk manager errors.
	ErrIO                = errors.New("i/o error")
	ErrInvalidPageData   = errors.New("invalid page data")
	ErrChecksumMismatch  = errors.New("page checksum mismatch, data corruption suspected")
	ErrDiskManagerClosed = errors.New("disk manager is closed")
	ErrUnknownCodec      = errors.New("unknown page compression type")
)
