package pagemanager

import (
	"sync" // For sync.RWMutex
)

// --- Page Management ---

// DefaultPageSize is the page size used when a disk manager is built without an explicit one.
const DefaultPageSize = 4096

// PageID identifies a logical page on durable storage. It is signed so that
// InvalidPageID can sit outside the range of allocated pages.
type PageID int32

const InvalidPageID PageID = -1 // Unused frame / "no page"

// FrameID is the index of a slot in a buffer pool's frame store. It is never
// interchangeable with a PageID; the page table is the only bridge.
type FrameID int

const InvalidFrameID FrameID = -1

type LSN uint64 // Log Sequence Number
const InvalidLSN LSN = 0

// Page is one frame of the buffer pool together with the metadata of the
// logical page currently resident in it.
type Page struct {
	id       PageID
	data     []byte
	pinCount int32
	isDirty  bool
	lsn      LSN // LSN of the last log record that modified this page

	// latch protects the in-memory contents of this page. The buffer pool
	// never takes it; callers sharing a pinned page coordinate through it.
	latch sync.RWMutex
}

// NewPage creates an unused frame of the given size.
func NewPage(size int) *Page {
	return &Page{
		id:   InvalidPageID,
		data: make([]byte, size),
		lsn:  InvalidLSN,
	}
}

// Reset returns the frame to the unused state and zero-fills its data.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	// Zero out data so a reused frame never leaks the previous occupant's bytes.
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
func (p *Page) Pin()                { p.pinCount++ }

// Unpin decrements the pin count and reports false if it was already zero.
func (p *Page) Unpin() bool {
	if p.pinCount == 0 {
		return false
	}
	p.pinCount--
	return true
}
func (p *Page) GetPinCount() int32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount int32) { p.pinCount = pinCount }
func (p *Page) GetLSN() LSN                { return p.lsn }
func (p *Page) SetLSN(lsn LSN)             { p.lsn = lsn }

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
