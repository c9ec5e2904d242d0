// Package inproc lets server-side code issue directory operations without a
// network protocol.
//
// A ConnectionHandler owns the internal connections. RootConnection runs
// operations with no limits as the internal root identity;
// NewConnectionForDN runs them as an existing entry. Searches return an
// InternalSearchOperation whose results are either buffered in memory or
// streamed to an InternalSearchListener, depending on the sink chosen when the
// operation was created:
//
//	conn := handler.RootConnection()
//	op, err := conn.ProcessSearchStrings(ctx, "dc=example,dc=com", ldap.ScopeWholeSubtree, "(uid=jdoe)")
//	if err != nil {
//		return err
//	}
//	for _, entry := range op.SearchEntries() {
//		...
//	}
//
// Operations run synchronously on the calling goroutine. An operation is owned
// by a single goroutine; the handler and its connections are safe for
// concurrent use.
package inproc
