package backend

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

func testEntry(dn string) *Entry {
	return NewEntry(dirldap.MustParseDN(dn), map[string][]string{"objectClass": {"top"}})
}

func TestStoreGetPut(t *testing.T) {
	s := NewStore()
	e := testEntry("cn=Alice,dc=example,dc=com")
	s.Put(e)

	got, ok := s.Get(dirldap.MustParseDN("CN=alice, DC=Example, DC=com"))
	require.True(t, ok)
	assert.Same(t, e, got)

	got, ok = s.GetByUUID(e.UUID())
	require.True(t, ok)
	assert.Same(t, e, got)

	_, ok = s.Get(dirldap.MustParseDN("cn=Bob,dc=example,dc=com"))
	assert.False(t, ok)
	_, ok = s.GetByUUID(uuid.New())
	assert.False(t, ok)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.IndexedByUUID)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 50.0, stats.HitRate, 0.001)
	assert.Positive(t, stats.EstimatedMemoryBytes)
}

func TestStoreReplace(t *testing.T) {
	s := NewStore()
	first := testEntry("cn=Alice,dc=example,dc=com")
	s.Put(first)

	second := first.clone()
	second.uuid = uuid.New()
	s.Put(second)

	assert.Equal(t, 1, s.Len())
	_, ok := s.GetByUUID(first.UUID())
	assert.False(t, ok, "old UUID is unindexed")
	got, ok := s.GetByUUID(second.UUID())
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, s.NumChildren(dirldap.MustParseDN("dc=example,dc=com")))
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()
	parent := dirldap.MustParseDN("dc=example,dc=com")
	e := testEntry("cn=Alice,dc=example,dc=com")
	s.Put(e)

	removed, ok := s.Delete(e.DN())
	require.True(t, ok)
	assert.Same(t, e, removed)
	assert.Zero(t, s.NumChildren(parent))
	assert.False(t, s.Contains(e.DN()))
	_, ok = s.GetByUUID(e.UUID())
	assert.False(t, ok)

	_, ok = s.Delete(e.DN())
	assert.False(t, ok)
}

func TestStoreWalk(t *testing.T) {
	s := NewStore()
	for _, dn := range []string{
		"dc=com",
		"ou=b,dc=com",
		"cn=y,ou=b,dc=com",
		"cn=x,ou=b,dc=com",
		"ou=a,dc=com",
		"cn=z,ou=a,dc=com",
	} {
		s.Put(testEntry(dn))
	}
	root := dirldap.MustParseDN("dc=com")

	collect := func(includeRoot bool, action func(*Entry) WalkAction) []string {
		var visited []string
		s.Walk(root, includeRoot, func(e *Entry) WalkAction {
			visited = append(visited, e.Key())
			return action(e)
		})
		return visited
	}
	cont := func(*Entry) WalkAction { return WalkContinue }

	assert.Equal(t, []string{
		"dc=com", "ou=a,dc=com", "cn=z,ou=a,dc=com", "ou=b,dc=com", "cn=x,ou=b,dc=com", "cn=y,ou=b,dc=com",
	}, collect(true, cont))

	assert.Equal(t, []string{
		"ou=a,dc=com", "cn=z,ou=a,dc=com", "ou=b,dc=com", "cn=x,ou=b,dc=com", "cn=y,ou=b,dc=com",
	}, collect(false, cont))

	skipA := func(e *Entry) WalkAction {
		if e.Key() == "ou=a,dc=com" {
			return WalkSkipChildren
		}
		return WalkContinue
	}
	assert.Equal(t, []string{
		"ou=a,dc=com", "ou=b,dc=com", "cn=x,ou=b,dc=com", "cn=y,ou=b,dc=com",
	}, collect(false, skipA))

	stopAtX := func(e *Entry) WalkAction {
		if e.Key() == "cn=x,ou=b,dc=com" {
			return WalkStop
		}
		return WalkContinue
	}
	assert.Equal(t, []string{
		"ou=a,dc=com", "cn=z,ou=a,dc=com", "ou=b,dc=com", "cn=x,ou=b,dc=com",
	}, collect(false, stopAtX))

	children := s.Children(dirldap.MustParseDN("ou=b,dc=com"))
	require.Len(t, children, 2)
	assert.Equal(t, "cn=x,ou=b,dc=com", children[0].Key())
}

func TestStoreRename(t *testing.T) {
	s := NewStore()
	for _, dn := range []string{
		"dc=com",
		"ou=a,dc=com",
		"ou=b,dc=com",
		"ou=sub,ou=a,dc=com",
		"cn=x,ou=sub,ou=a,dc=com",
	} {
		s.Put(testEntry(dn))
	}
	x, ok := s.Get(dirldap.MustParseDN("cn=x,ou=sub,ou=a,dc=com"))
	require.True(t, ok)

	old := dirldap.MustParseDN("ou=sub,ou=a,dc=com")
	current, ok := s.Get(old)
	require.True(t, ok)
	s.Rename(old, current.withDN(dirldap.MustParseDN("ou=Moved,ou=b,dc=com")))

	var keys []string
	s.Walk(dirldap.MustParseDN("dc=com"), true, func(e *Entry) WalkAction {
		keys = append(keys, e.Key())
		return WalkContinue
	})
	assert.Equal(t, []string{"dc=com", "ou=a,dc=com", "ou=b,dc=com", "ou=moved,ou=b,dc=com", "cn=x,ou=moved,ou=b,dc=com"}, keys)

	assert.Zero(t, s.NumChildren(dirldap.MustParseDN("ou=a,dc=com")))
	assert.Equal(t, 1, s.NumChildren(dirldap.MustParseDN("ou=moved,ou=b,dc=com")))
	assert.False(t, s.Contains(dirldap.MustParseDN("cn=x,ou=sub,ou=a,dc=com")))
	assert.Equal(t, 5, s.Len())

	moved, ok := s.GetByUUID(x.UUID())
	require.True(t, ok, "entryUUID index follows the move")
	assert.Equal(t, "cn=x,ou=Moved,ou=b,dc=com", dirldap.FormatDN(moved.DN()))
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	s.Put(testEntry("dc=com"))
	s.Put(testEntry("ou=a,dc=com"))
	s.Clear()

	assert.Zero(t, s.Len())
	assert.Zero(t, s.NumChildren(dirldap.MustParseDN("dc=com")))
	assert.Zero(t, s.GetStats().IndexedByUUID)
}

func TestStoreConcurrentReads(t *testing.T) {
	s := NewStore()
	for i := range 50 {
		s.Put(testEntry(fmt.Sprintf("cn=user%d,dc=com", i)))
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				_, ok := s.Get(dirldap.MustParseDN(fmt.Sprintf("cn=user%d,dc=com", (i+j)%50)))
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), s.GetStats().Hits)
}
