package inproc

import (
	"github.com/go-ldap/ldap/v3"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// InternalSearchListener receives the results of a streaming internal search
// as the engine produces them. Returning an error aborts the search; the error
// becomes the operation's result.
type InternalSearchListener interface {
	HandleInternalSearchEntry(op *InternalSearchOperation, entry *ldap.Entry) error
	HandleInternalSearchReference(op *InternalSearchOperation, ref *dirldap.Reference) error
}

// ListenerFuncs adapts plain functions to InternalSearchListener. A nil
// function accepts and drops what it would have received.
type ListenerFuncs struct {
	Entry     func(op *InternalSearchOperation, entry *ldap.Entry) error
	Reference func(op *InternalSearchOperation, ref *dirldap.Reference) error
}

func (f ListenerFuncs) HandleInternalSearchEntry(op *InternalSearchOperation, entry *ldap.Entry) error {
	if f.Entry == nil {
		return nil
	}
	return f.Entry(op, entry)
}

func (f ListenerFuncs) HandleInternalSearchReference(op *InternalSearchOperation, ref *dirldap.Reference) error {
	if f.Reference == nil {
		return nil
	}
	return f.Reference(op, ref)
}
