package memtable

import (
	"container/list" // For LRU
	"sync"

	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
)

// Replacer tracks the frames that may be evicted and picks victims among them.
type Replacer interface {
	// Victim removes and returns the frame to evict, or false if nothing is evictable.
	Victim() (pagemanager.FrameID, bool)
	// Pin marks a frame as in use. No-op if the frame is not tracked.
	Pin(frameID pagemanager.FrameID)
	// Unpin marks a frame as evictable. No-op if the frame is already tracked.
	Unpin(frameID pagemanager.FrameID)
	// Reinstate returns a frame handed out by Victim as the next victim.
	// No-op if the frame is already tracked.
	Reinstate(frameID pagemanager.FrameID)
	// Size returns the number of evictable frames.
	Size() int
}

// LRUReplacer evicts the frame that was unpinned least recently.
// The list front holds the most recently unpinned frame, the back the oldest.
type LRUReplacer struct {
	capacity int
	lruList  *list.List                            // Stores frame IDs
	lruMap   map[pagemanager.FrameID]*list.Element // Frame ID to LRU list element
	mu       sync.Mutex
}

var _ Replacer = (*LRUReplacer)(nil)

// NewLRUReplacer creates a replacer able to track up to capacity frames.
func NewLRUReplacer(capacity int) *LRUReplacer {
	return &LRUReplacer{
		capacity: capacity,
		lruList:  list.New(),
		lruMap:   make(map[pagemanager.FrameID]*list.Element, capacity),
	}
}

func (r *LRUReplacer) Victim() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	back := r.lruList.Back()
	if back == nil {
		return pagemanager.InvalidFrameID, false
	}
	frameID := r.lruList.Remove(back).(pagemanager.FrameID)
	delete(r.lruMap, frameID)
	return frameID, true
}

func (r *LRUReplacer) Pin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.lruMap[frameID]; ok {
		r.lruList.Remove(elem)
		delete(r.lruMap, frameID)
	}
}

// Unpin drops the insert silently when the replacer is already at capacity;
// tracked frames are never evicted behind the caller's back.
func (r *LRUReplacer) Unpin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lruMap[frameID]; ok {
		return
	}
	if r.lruList.Len() >= r.capacity {
		return
	}
	r.lruMap[frameID] = r.lruList.PushFront(frameID)
}

// Reinstate puts the frame back at the LRU end, where Victim found it.
func (r *LRUReplacer) Reinstate(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lruMap[frameID]; ok {
		return
	}
	if r.lruList.Len() >= r.capacity {
		return
	}
	r.lruMap[frameID] = r.lruList.PushBack(frameID)
}

func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lruList.Len()
}
