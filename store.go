package blobdvm

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// FileRecord is everything the server keeps for one stored file.
type FileRecord struct {
	Hash      string
	Size      int
	Chunks    []Chunk
	Filename  string
	Type      string
	ExpiresAt nostr.Timestamp
}

func (fr *FileRecord) expired(now nostr.Timestamp) bool {
	return fr.ExpiresAt <= now
}

type expiringFile struct {
	hash      string
	expiresAt nostr.Timestamp
}

type expiringFileHeap []expiringFile

func (h expiringFileHeap) Len() int           { return len(h) }
func (h expiringFileHeap) Less(i, j int) bool { return h[i].expiresAt < h[j].expiresAt }
func (h expiringFileHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiringFileHeap) Push(x interface{}) {
	*h = append(*h, x.(expiringFile))
}

func (h *expiringFileHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// ContentStore is the in-memory hash → record map. Records disappear at
// their expiration time; a background sweeper pops an expiry heap so the
// whole map never has to be scanned.
type ContentStore struct {
	records *xsync.MapOf[string, *FileRecord]

	// guards the heap and the live byte counter
	mu        sync.Mutex
	expiry    expiringFileHeap
	liveBytes int64
}

func NewContentStore() *ContentStore {
	return &ContentStore{
		records: xsync.NewMapOf[string, *FileRecord](),
		expiry:  make(expiringFileHeap, 0),
	}
}

// Put inserts a record. If a live record for the same hash already exists it
// is kept untouched and Put reports false; content addressing makes the
// insert a no-op. An expired record is evicted first.
func (cs *ContentStore) Put(rec *FileRecord) bool {
	now := nostr.Now()
	if existing, ok := cs.records.Load(rec.Hash); ok {
		if !existing.expired(now) {
			return false
		}
		cs.evict(rec.Hash, existing)
	}

	cs.records.Store(rec.Hash, rec)
	cs.mu.Lock()
	heap.Push(&cs.expiry, expiringFile{hash: rec.Hash, expiresAt: rec.ExpiresAt})
	cs.liveBytes += int64(rec.Size)
	cs.mu.Unlock()
	return true
}

// Get returns the record for hash, or nil if it is absent or past its
// expiration (in which case it is evicted on the spot).
func (cs *ContentStore) Get(hash string) *FileRecord {
	rec, ok := cs.records.Load(hash)
	if !ok {
		return nil
	}
	if rec.expired(nostr.Now()) {
		cs.evict(hash, rec)
		return nil
	}
	return rec
}

// Delete removes the record unconditionally and reports whether one was
// present.
func (cs *ContentStore) Delete(hash string) bool {
	rec, ok := cs.records.Load(hash)
	if !ok {
		return false
	}
	cs.evict(hash, rec)
	return true
}

func (cs *ContentStore) evict(hash string, rec *FileRecord) {
	if _, present := cs.records.LoadAndDelete(hash); present {
		cs.mu.Lock()
		cs.liveBytes -= int64(rec.Size)
		cs.mu.Unlock()
	}
}

// Len reports how many records are currently held, expired or not.
func (cs *ContentStore) Len() int {
	return cs.records.Size()
}

// LiveBytes is the total size of all held records.
func (cs *ContentStore) LiveBytes() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.liveBytes
}

// Sweep removes every record whose expiration has passed and reports how
// many were dropped.
func (cs *ContentStore) Sweep() int {
	now := nostr.Now()
	swept := 0

	for {
		cs.mu.Lock()
		if cs.expiry.Len() == 0 || now < cs.expiry[0].expiresAt {
			cs.mu.Unlock()
			return swept
		}
		next := heap.Pop(&cs.expiry).(expiringFile)
		cs.mu.Unlock()

		// a re-store after expiry leaves a stale heap entry behind; only
		// evict when the record itself agrees it is expired
		if rec, ok := cs.records.Load(next.hash); ok && rec.expired(now) {
			cs.evict(next.hash, rec)
			swept++
		}
	}
}

// Run sweeps on interval until ctx is done.
func (cs *ContentStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.Sweep()
		}
	}
}
