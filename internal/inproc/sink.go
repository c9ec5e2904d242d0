package inproc

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// ResultSink decides what happens to the entries and references an internal
// search produces. The only implementations are *BufferedSink and
// *StreamingSink.
type ResultSink interface {
	addEntry(op *InternalSearchOperation, entry *ldap.Entry) error
	addReference(op *InternalSearchOperation, ref *dirldap.Reference) error
}

// BufferedSink keeps every result in memory, in the order it was produced.
type BufferedSink struct {
	entries    []*ldap.Entry
	references []*dirldap.Reference
}

// Buffered returns an empty in-memory sink.
func Buffered() *BufferedSink {
	return &BufferedSink{
		entries:    []*ldap.Entry{},
		references: []*dirldap.Reference{},
	}
}

// Entries returns the entries collected so far.
func (s *BufferedSink) Entries() []*ldap.Entry {
	return s.entries
}

// References returns the references collected so far.
func (s *BufferedSink) References() []*dirldap.Reference {
	return s.references
}

func (s *BufferedSink) addEntry(_ *InternalSearchOperation, entry *ldap.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *BufferedSink) addReference(_ *InternalSearchOperation, ref *dirldap.Reference) error {
	s.references = append(s.references, ref)
	return nil
}

// StreamingSink forwards every result to a listener and keeps nothing.
type StreamingSink struct {
	listener InternalSearchListener
}

// Streaming returns a sink delivering results to listener. A nil listener panics.
func Streaming(listener InternalSearchListener) *StreamingSink {
	if listener == nil {
		panic(fmt.Errorf("%w: nil search listener", dirldap.ErrPrecondition))
	}
	return &StreamingSink{listener: listener}
}

// Listener returns the listener results are forwarded to.
func (s *StreamingSink) Listener() InternalSearchListener {
	return s.listener
}

func (s *StreamingSink) addEntry(op *InternalSearchOperation, entry *ldap.Entry) error {
	return s.listener.HandleInternalSearchEntry(op, entry)
}

func (s *StreamingSink) addReference(op *InternalSearchOperation, ref *dirldap.Reference) error {
	return s.listener.HandleInternalSearchReference(op, ref)
}
