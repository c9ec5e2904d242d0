package backend

import (
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// StoreStats provides statistics about store usage.
type StoreStats struct {
	// Basic counters
	Hits    int64
	Misses  int64
	Entries int64
	Puts    int64
	Deletes int64

	// Performance metrics
	HitRate           float64
	AverageLookupTime time.Duration

	// Memory usage
	EstimatedMemoryBytes int64

	// Index statistics
	IndexedByUUID int64
	IndexedByDN   int64
}

// Store provides thread-safe storage for directory entries with a DN index,
// an entryUUID index and a parent-to-children index.
//
// Reads are lock-free. Writers must be serialized by the caller; the engine
// holds its write lock around every Put and Delete.
type Store struct {
	// Primary storage keyed by normalized DN
	entries sync.Map // map[string]*Entry

	// entryUUID to normalized DN
	uuidIndex sync.Map // map[uuid.UUID]string

	// Parent key to child keys
	childMu  sync.RWMutex
	children map[string]map[string]struct{}

	// Statistics tracking
	statsMu sync.RWMutex
	stats   StoreStats
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		children: make(map[string]map[string]struct{}),
	}
}

// Get retrieves an entry by DN.
func (s *Store) Get(dn *ldap.DN) (*Entry, bool) {
	return s.GetByKey(dirldap.NormalizeDN(dn))
}

// GetByKey retrieves an entry by normalized DN.
func (s *Store) GetByKey(key string) (*Entry, bool) {
	start := time.Now()
	defer func() {
		s.updateLookupTime(time.Since(start))
	}()

	if value, ok := s.entries.Load(key); ok {
		if entry, ok := value.(*Entry); ok {
			s.incrementHits()
			return entry, true
		}
	}

	s.incrementMisses()
	return nil, false
}

// GetByUUID retrieves an entry by its entryUUID.
func (s *Store) GetByUUID(id uuid.UUID) (*Entry, bool) {
	key, ok := s.uuidIndex.Load(id)
	if !ok {
		s.incrementMisses()
		return nil, false
	}
	return s.GetByKey(key.(string))
}

// Contains reports whether an entry with the given DN exists, without
// affecting hit statistics.
func (s *Store) Contains(dn *ldap.DN) bool {
	_, ok := s.entries.Load(dirldap.NormalizeDN(dn))
	return ok
}

// Put stores or replaces an entry and updates all indexes.
func (s *Store) Put(entry *Entry) {
	previous, loaded := s.entries.Swap(entry.key, entry)
	if loaded {
		if old, ok := previous.(*Entry); ok && old.uuid != entry.uuid {
			s.uuidIndex.Delete(old.uuid)
		}
	}
	s.uuidIndex.Store(entry.uuid, entry.key)

	if !loaded {
		parent := dirldap.NormalizeDN(dirldap.ParentDN(entry.dn))
		s.childMu.Lock()
		if s.children[parent] == nil {
			s.children[parent] = make(map[string]struct{})
		}
		s.children[parent][entry.key] = struct{}{}
		s.childMu.Unlock()
	}

	s.statsMu.Lock()
	s.stats.Puts++
	s.statsMu.Unlock()
}

// Delete removes an entry and its index mappings.
func (s *Store) Delete(dn *ldap.DN) (*Entry, bool) {
	key := dirldap.NormalizeDN(dn)
	value, ok := s.entries.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	entry := value.(*Entry)
	s.uuidIndex.Delete(entry.uuid)

	parent := dirldap.NormalizeDN(dirldap.ParentDN(entry.dn))
	s.childMu.Lock()
	delete(s.children[parent], key)
	if len(s.children[parent]) == 0 {
		delete(s.children, parent)
	}
	s.childMu.Unlock()

	s.statsMu.Lock()
	s.stats.Deletes++
	s.statsMu.Unlock()

	return entry, true
}

// Rename replaces the entry at dn with renamed, which carries the new DN, and
// re-keys every entry below dn under the new DN. Readers may observe the
// subtree mid-move.
func (s *Store) Rename(dn *ldap.DN, renamed *Entry) {
	var subtree []*Entry
	s.Walk(dn, false, func(e *Entry) WalkAction {
		subtree = append(subtree, e)
		return WalkContinue
	})

	for i := len(subtree) - 1; i >= 0; i-- {
		s.Delete(subtree[i].dn)
	}
	s.Delete(dn)
	s.Put(renamed)

	depth := len(dn.RDNs)
	for _, e := range subtree {
		relative := slices.Clone(e.dn.RDNs[:len(e.dn.RDNs)-depth])
		s.Put(e.withDN(&ldap.DN{RDNs: append(relative, renamed.dn.RDNs...)}))
	}
}

// childKeys returns the normalized DNs of the immediate children of key, sorted.
func (s *Store) childKeys(key string) []string {
	s.childMu.RLock()
	keys := make([]string, 0, len(s.children[key]))
	for child := range s.children[key] {
		keys = append(keys, child)
	}
	s.childMu.RUnlock()

	slices.Sort(keys)
	return keys
}

// NumChildren returns the number of immediate children of dn.
func (s *Store) NumChildren(dn *ldap.DN) int {
	return s.numChildrenByKey(dirldap.NormalizeDN(dn))
}

func (s *Store) numChildrenByKey(key string) int {
	s.childMu.RLock()
	defer s.childMu.RUnlock()
	return len(s.children[key])
}

// Children returns the immediate children of dn in normalized DN order.
func (s *Store) Children(dn *ldap.DN) []*Entry {
	var out []*Entry
	for _, key := range s.childKeys(dirldap.NormalizeDN(dn)) {
		if value, ok := s.entries.Load(key); ok {
			out = append(out, value.(*Entry))
		}
	}
	return out
}

// Walk visits the subtree rooted at dn depth-first, parents before children and
// siblings in normalized DN order. The root itself is visited when includeRoot
// is set and it exists. fn steers the walk with its WalkAction.
func (s *Store) Walk(dn *ldap.DN, includeRoot bool, fn func(*Entry) WalkAction) {
	key := dirldap.NormalizeDN(dn)
	if includeRoot {
		if value, ok := s.entries.Load(key); ok {
			switch fn(value.(*Entry)) {
			case WalkStop:
				return
			case WalkSkipChildren:
				return
			}
		}
	}
	s.walkChildren(key, fn)
}

// WalkAction tells Walk how to continue after visiting an entry.
type WalkAction int

const (
	WalkContinue WalkAction = iota
	WalkSkipChildren
	WalkStop
)

func (s *Store) walkChildren(key string, fn func(*Entry) WalkAction) bool {
	for _, child := range s.childKeys(key) {
		value, ok := s.entries.Load(child)
		if !ok {
			continue
		}
		switch fn(value.(*Entry)) {
		case WalkStop:
			return false
		case WalkSkipChildren:
			continue
		}
		if !s.walkChildren(child, fn) {
			return false
		}
	}
	return true
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// GetStats returns current store statistics.
func (s *Store) GetStats() StoreStats {
	s.statsMu.RLock()
	stats := s.stats
	s.statsMu.RUnlock()

	// Calculate hit rate
	totalRequests := stats.Hits + stats.Misses
	if totalRequests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(totalRequests) * 100
	}

	stats.Entries = countMap(&s.entries)
	stats.IndexedByDN = stats.Entries
	stats.IndexedByUUID = countMap(&s.uuidIndex)
	stats.EstimatedMemoryBytes = s.estimateMemoryUsage()

	return stats
}

// Clear removes all entries from the store. Hit and miss counters are kept.
func (s *Store) Clear() {
	s.entries.Clear()
	s.uuidIndex.Clear()

	s.childMu.Lock()
	s.children = make(map[string]map[string]struct{})
	s.childMu.Unlock()
}

// Helper methods for statistics tracking

func (s *Store) incrementHits() {
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
}

func (s *Store) incrementMisses() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *Store) updateLookupTime(duration time.Duration) {
	s.statsMu.Lock()
	// Simple moving average of lookup times
	if s.stats.AverageLookupTime == 0 {
		s.stats.AverageLookupTime = duration
	} else {
		s.stats.AverageLookupTime = (s.stats.AverageLookupTime + duration) / 2
	}
	s.statsMu.Unlock()
}

func countMap(m *sync.Map) int64 {
	count := int64(0)
	m.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (s *Store) estimateMemoryUsage() int64 {
	totalSize := int64(0)

	s.entries.Range(func(_, value any) bool {
		entry, ok := value.(*Entry)
		if !ok {
			return true
		}

		entrySize := int64(unsafe.Sizeof(*entry))
		entrySize += int64(len(entry.key))
		entrySize += int64(len(entry.creator) + len(entry.modifier))

		for _, attr := range entry.attributes {
			entrySize += int64(len(attr.Name))
			for _, value := range attr.Values {
				entrySize += int64(len(value))
			}
		}

		totalSize += entrySize
		return true
	})

	return totalSize
}
