package inproc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// RootDN is the identity of the root internal connection.
const RootDN = "cn=Internal Client,cn=Root DNs,cn=config"

// InternalClientConnection is the logical connection internal operations run
// on. Operations execute synchronously on the caller's goroutine.
type InternalClientConnection struct {
	handler *ConnectionHandler
	id      int64
	authDN  string
	root    bool
	limits  dirldap.Limits
}

// ID is negative for every internal connection.
func (c *InternalClientConnection) ID() int64 {
	return c.id
}

// AuthenticationDN is the DN operations run as, or "" when anonymous.
func (c *InternalClientConnection) AuthenticationDN() string {
	return c.authDN
}

func (c *InternalClientConnection) IsRoot() bool {
	return c.root
}

func (c *InternalClientConnection) IsAnonymous() bool {
	return c.authDN == ""
}

// Limits are the server-side search bounds. The root connection is unlimited.
func (c *InternalClientConnection) Limits() dirldap.Limits {
	return c.limits
}

func (c *InternalClientConnection) Handler() *ConnectionHandler {
	return c.handler
}

func (c *InternalClientConnection) String() string {
	if c.IsAnonymous() {
		return fmt.Sprintf("internal connection %d (anonymous)", c.id)
	}
	return fmt.Sprintf("internal connection %d (%s)", c.id, c.authDN)
}

func (c *InternalClientConnection) logFields() map[string]any {
	return map[string]any{
		"connection_id": c.id,
		"auth_dn":       c.authDN,
		"root":          c.root,
	}
}

// ProcessSearch runs req on this connection. Results are buffered on the
// returned operation when listener is nil and streamed to listener otherwise.
// The operation is returned even when the search fails, so callers can
// inspect partial results and the matched DN.
func (c *InternalClientConnection) ProcessSearch(ctx context.Context, req *dirldap.SearchRequest, listener InternalSearchListener) (*InternalSearchOperation, error) {
	var sink ResultSink = Buffered()
	if listener != nil {
		sink = Streaming(listener)
	}
	op := NewInternalSearchOperation(c, c.handler.seq.NextOperationID(), c.handler.seq.NextMessageID(), req, sink)
	return op, op.Run(ctx)
}

// ProcessSearchStrings parses base and filter and runs a buffered search.
// A malformed DN or filter is returned as a *dirldap.ParseError with no operation.
func (c *InternalClientConnection) ProcessSearchStrings(ctx context.Context, base string, scope dirldap.SearchScope, filter string, attributes ...string) (*InternalSearchOperation, error) {
	req, err := dirldap.NewSearchRequestFromStrings(base, scope, filter, attributes...)
	if err != nil {
		return nil, err
	}
	return c.ProcessSearch(ctx, req, nil)
}

// ReadEntry returns the entry at dn with the requested attributes.
func (c *InternalClientConnection) ReadEntry(ctx context.Context, dn string, attributes ...string) (*ldap.Entry, error) {
	req, err := dirldap.NewSingleEntrySearchRequestFromStrings(dn, dirldap.ScopeBaseObject, dirldap.DefaultFilter, attributes...)
	if err != nil {
		return nil, err
	}
	op, err := c.ProcessSearch(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	entries := op.SearchEntries()
	if len(entries) == 0 {
		return nil, dirldap.NewDirectoryError(ldap.LDAPResultNoSuchObject, "entry %s was not returned", dn)
	}
	return entries[0], nil
}

// ProcessAdd adds an entry.
func (c *InternalClientConnection) ProcessAdd(ctx context.Context, req *ldap.AddRequest) error {
	return c.execute(ctx, OperationAdd, map[string]any{"dn": req.DN}, func(ctx context.Context) error {
		return c.handler.engine.Add(ctx, req)
	})
}

// ProcessDelete deletes a leaf entry.
func (c *InternalClientConnection) ProcessDelete(ctx context.Context, req *ldap.DelRequest) error {
	return c.execute(ctx, OperationDelete, map[string]any{"dn": req.DN}, func(ctx context.Context) error {
		return c.handler.engine.Delete(ctx, req)
	})
}

// ProcessModify modifies an entry.
func (c *InternalClientConnection) ProcessModify(ctx context.Context, req *ldap.ModifyRequest) error {
	return c.execute(ctx, OperationModify, map[string]any{"dn": req.DN}, func(ctx context.Context) error {
		return c.handler.engine.Modify(ctx, req)
	})
}

// ProcessModifyDN renames or moves an entry together with its subtree.
func (c *InternalClientConnection) ProcessModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error {
	fields := map[string]any{"dn": req.DN, "new_rdn": req.NewRDN, "new_superior": req.NewSuperior}
	return c.execute(ctx, OperationModifyDN, fields, func(ctx context.Context) error {
		return c.handler.engine.ModifyDN(ctx, req)
	})
}

// ProcessCompare compares an attribute value assertion against an entry.
func (c *InternalClientConnection) ProcessCompare(ctx context.Context, req *ldap.CompareRequest) (bool, error) {
	var matched bool
	err := c.execute(ctx, OperationCompare, map[string]any{"dn": req.DN, "attribute": req.Attribute}, func(ctx context.Context) error {
		var err error
		matched, err = c.handler.engine.Compare(ctx, req)
		return err
	})
	return matched, err
}

// runSearch executes a search operation built on this connection.
func (c *InternalClientConnection) runSearch(ctx context.Context, op *InternalSearchOperation) error {
	if c.handler.IsClosed() {
		err := errHandlerClosed()
		op.SetResult(dirldap.ResultFromError(err))
		dirldap.LogConnectionEvent(ctx, "operation_rejected", op.LogFields())
		c.handler.metrics.observe(OperationSearch, ldap.LDAPResultUnavailable, 0)
		return err
	}

	ctx = dirldap.WithAuthorizationDN(ctx, c.authDN)
	tflog.SubsystemDebug(ctx, dirldap.SubsystemInproc, "Processing internal search", dirldap.SanitizeFields(op.LogFields()))

	start := time.Now()
	err := c.handler.engine.Search(ctx, op)
	c.handler.metrics.observe(OperationSearch, op.ResultCode(), time.Since(start))
	if err != nil {
		dirldap.LogLDAPError(ctx, dirldap.SubsystemInproc, OperationSearch, err, dirldap.SanitizeFields(op.LogFields()))
	}
	return err
}

// execute runs a non-search operation with its own operation and message IDs.
func (c *InternalClientConnection) execute(ctx context.Context, opType string, fields map[string]any, fn func(context.Context) error) error {
	fields["operation"] = opType
	fields["operation_id"] = c.handler.seq.NextOperationID()
	fields["message_id"] = c.handler.seq.NextMessageID()
	fields["connection_id"] = c.id

	if c.handler.IsClosed() {
		dirldap.LogConnectionEvent(ctx, "operation_rejected", fields)
		c.handler.metrics.observe(opType, ldap.LDAPResultUnavailable, 0)
		return errHandlerClosed()
	}

	ctx = dirldap.WithAuthorizationDN(ctx, c.authDN)
	tflog.SubsystemDebug(ctx, dirldap.SubsystemInproc, "Processing internal operation", fields)

	start := time.Now()
	err := fn(ctx)
	c.handler.metrics.observe(opType, dirldap.ResultCode(err), time.Since(start))
	if err != nil {
		dirldap.LogLDAPError(ctx, dirldap.SubsystemInproc, opType, err, fields)
	}
	return err
}
