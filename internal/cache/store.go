// Package cache implements the variant cache (spec §4.8): a single-writer,
// many-reader embedded blob store keyed by variant_hash, with LRU eviction
// down to a target size and pin/unpin for warmed entries. It is backed by
// go.etcd.io/bbolt, whose single mmap'd file and one-writer/many-readers
// transaction model match that shape directly — no pack example repo keeps
// an embedded KV store of its own, so this dependency is new to the stack
// (see DESIGN.md).
package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var (
	blobsBucket = []byte("blobs")
	indexBucket = []byte("index")
)

// ErrNotFound is returned by Get when variant_hash has no cached entry.
var ErrNotFound = errors.New("cache: variant not found")

// indexRecord is the small, scan-friendly metadata bolted onto every blob
// so LRU eviction never has to load audio bytes to rank entries.
type indexRecord struct {
	Codec          string `json:"codec"`
	DurationMs     int64  `json:"duration_ms"`
	SizeBytes      int64  `json:"size_bytes"`
	LastAccessedMs int64  `json:"last_accessed_ms"`
	Pinned         bool   `json:"pinned"`
}

// Entry is a cached variant returned to callers.
type Entry struct {
	Audio      []byte
	Codec      string
	DurationMs int64
}

// Store is the variant cache. All mutation goes through a single *bbolt.DB
// writer; reads use bbolt's lock-free read transactions.
type Store struct {
	db *bbolt.DB

	targetSizeBytes int64
	currentSize     int64 // atomic

	mu            sync.Mutex
	pendingAccess map[string]int64 // variant_hash -> last-accessed unix ms, coalesced

	flushInterval  time.Duration
	evictInterval  time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// Open opens (creating if absent) the bbolt file at path and initializes
// its buckets.
func Open(path string, targetSizeBytes int64, flushInterval, evictInterval time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:              db,
		targetSizeBytes: targetSizeBytes,
		pendingAccess:   make(map[string]int64),
		flushInterval:   flushInterval,
		evictInterval:   evictInterval,
		stopCh:          make(chan struct{}),
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	var total int64
	if err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(_, v []byte) error {
			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			total += rec.SizeBytes
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, err
	}
	atomic.StoreInt64(&s.currentSize, total)

	return s, nil
}

// Close stops background goroutines and closes the underlying file.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}

// Run starts the coalesced access-time flusher and the LRU evictor. Call
// once per process; both stop when Close is called.
func (s *Store) Run() {
	s.wg.Add(2)
	go s.flushLoop()
	go s.evictLoop()
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.flushPendingAccess()
		case <-s.stopCh:
			s.flushPendingAccess()
			return
		}
	}
}

func (s *Store) evictLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.evictInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = s.EvictToTarget()
		case <-s.stopCh:
			return
		}
	}
}

// Exists reports whether variant_hash has a cached blob, without touching
// its access time.
func (s *Store) Exists(variantHash string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(indexBucket).Get([]byte(variantHash)) != nil
		return nil
	})
	return found, err
}

// Get reads a cached variant and marks it accessed. The access-time write
// is buffered in memory and flushed on the store's flush cadence rather
// than committed per read, so cache hits stay cheap under load.
func (s *Store) Get(variantHash string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(indexBucket).Get([]byte(variantHash))
		if idx == nil {
			return ErrNotFound
		}
		var rec indexRecord
		if err := json.Unmarshal(idx, &rec); err != nil {
			return err
		}
		audio := tx.Bucket(blobsBucket).Get([]byte(variantHash))
		if audio == nil {
			return ErrNotFound
		}
		buf := make([]byte, len(audio))
		copy(buf, audio)
		entry = &Entry{Audio: buf, Codec: rec.Codec, DurationMs: rec.DurationMs}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pendingAccess[variantHash] = time.Now().UnixMilli()
	s.mu.Unlock()

	return entry, nil
}

// Put writes a new variant blob and its index record, marking it freshly
// accessed and unpinned.
func (s *Store) Put(variantHash string, audio []byte, codec string, durationMs int64) error {
	rec := indexRecord{
		Codec:          codec,
		DurationMs:     durationMs,
		SizeBytes:      int64(len(audio)),
		LastAccessedMs: time.Now().UnixMilli(),
	}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var sizeDelta int64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(indexBucket)
		if existing := idxBucket.Get([]byte(variantHash)); existing != nil {
			var old indexRecord
			if err := json.Unmarshal(existing, &old); err == nil {
				sizeDelta -= old.SizeBytes
			}
		}
		sizeDelta += rec.SizeBytes
		if err := idxBucket.Put([]byte(variantHash), recBytes); err != nil {
			return err
		}
		return tx.Bucket(blobsBucket).Put([]byte(variantHash), audio)
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&s.currentSize, sizeDelta)
	return nil
}

// Pin marks a variant as protected from LRU eviction (spec §4.9 warmer).
func (s *Store) Pin(variantHash string) error {
	return s.setPinned(variantHash, true)
}

// Unpin removes pin protection, making the variant eligible for eviction
// again under normal LRU pressure.
func (s *Store) Unpin(variantHash string) error {
	return s.setPinned(variantHash, false)
}

func (s *Store) setPinned(variantHash string, pinned bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(indexBucket)
		raw := idxBucket.Get([]byte(variantHash))
		if raw == nil {
			return ErrNotFound
		}
		var rec indexRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Pinned = pinned
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return idxBucket.Put([]byte(variantHash), encoded)
	})
}

// Size returns the current total size of cached blobs in bytes.
func (s *Store) Size() int64 {
	return atomic.LoadInt64(&s.currentSize)
}

// flushPendingAccess commits the buffered access-time updates in one
// transaction (spec §4.8 "~10s coalesced flush").
func (s *Store) flushPendingAccess() {
	s.mu.Lock()
	if len(s.pendingAccess) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pendingAccess
	s.pendingAccess = make(map[string]int64)
	s.mu.Unlock()

	_ = s.db.Update(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(indexBucket)
		for hash, accessedMs := range batch {
			raw := idxBucket.Get([]byte(hash))
			if raw == nil {
				continue
			}
			var rec indexRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			rec.LastAccessedMs = accessedMs
			encoded, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			_ = idxBucket.Put([]byte(hash), encoded)
		}
		return nil
	})
}

type lruCandidate struct {
	hash       string
	lastAccess int64
	size       int64
}

// EvictToTarget removes unpinned entries in least-recently-accessed order
// until total size is at or below the configured target (spec §4.8).
func (s *Store) EvictToTarget() error {
	if s.Size() <= s.targetSizeBytes {
		return nil
	}

	var candidates []lruCandidate
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(k, v []byte) error {
			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Pinned {
				return nil
			}
			candidates = append(candidates, lruCandidate{
				hash:       string(k),
				lastAccess: rec.LastAccessedMs,
				size:       rec.SizeBytes,
			})
			return nil
		})
	}); err != nil {
		return err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	var freed int64
	toEvict := make([]string, 0)
	for _, c := range candidates {
		if s.Size()-freed <= s.targetSizeBytes {
			break
		}
		toEvict = append(toEvict, c.hash)
		freed += c.size
	}
	if len(toEvict) == 0 {
		return nil
	}

	var actuallyFreed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(indexBucket)
		blobBucket := tx.Bucket(blobsBucket)
		for _, hash := range toEvict {
			raw := idxBucket.Get([]byte(hash))
			if raw == nil {
				continue
			}
			var rec indexRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				actuallyFreed += rec.SizeBytes
			}
			if err := idxBucket.Delete([]byte(hash)); err != nil {
				return err
			}
			if err := blobBucket.Delete([]byte(hash)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&s.currentSize, -actuallyFreed)
	return nil
}
