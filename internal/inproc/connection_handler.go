package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ldap/ldap/v3"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// HandlerName is the name reported by every internal connection handler.
const HandlerName = "Internal Connection Handler"

// Engine executes directory operations. It is implemented by the backend.
type Engine interface {
	Search(ctx context.Context, op dirldap.SearchOperation) error
	Add(ctx context.Context, req *ldap.AddRequest) error
	Delete(ctx context.Context, req *ldap.DelRequest) error
	Modify(ctx context.Context, req *ldap.ModifyRequest) error
	ModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error
	Compare(ctx context.Context, req *ldap.CompareRequest) (bool, error)
	EntryExists(dn *ldap.DN) bool
}

// ConnectionHandler is the handler that owns internal connections. It never
// listens on a socket; it exists so internal operations have a handler to
// report, and it carries the ID sequences and accounting they share.
//
// The server creates one handler on start and finalizes it on shutdown.
type ConnectionHandler struct {
	engine  Engine
	seq     *Sequences
	metrics *Metrics
	limits  dirldap.Limits

	mu     sync.Mutex
	root   *InternalClientConnection
	closed bool
}

// HandlerOption configures a ConnectionHandler.
type HandlerOption func(*ConnectionHandler)

// WithMetrics records internal operations on m.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *ConnectionHandler) {
		h.metrics = m
	}
}

// WithLimits sets the limits applied to non-root internal connections.
func WithLimits(limits dirldap.Limits) HandlerOption {
	return func(h *ConnectionHandler) {
		h.limits = limits
	}
}

// WithSequences shares ID sequences with another handler.
func WithSequences(seq *Sequences) HandlerOption {
	return func(h *ConnectionHandler) {
		h.seq = seq
	}
}

// NewConnectionHandler creates a handler executing operations on engine. A nil
// engine panics.
func NewConnectionHandler(engine Engine, opts ...HandlerOption) *ConnectionHandler {
	if engine == nil {
		panic(fmt.Errorf("%w: nil engine", dirldap.ErrPrecondition))
	}
	h := &ConnectionHandler{engine: engine}
	for _, opt := range opts {
		opt(h)
	}
	if h.seq == nil {
		h.seq = NewSequences()
	}
	return h
}

func (h *ConnectionHandler) Name() string {
	return HandlerName
}

// ListenAddresses is always empty.
func (h *ConnectionHandler) ListenAddresses() []string {
	return []string{}
}

// ClientConnections is always empty: internal connections are not tracked as
// client connections.
func (h *ConnectionHandler) ClientConnections() []*InternalClientConnection {
	return []*InternalClientConnection{}
}

// Run returns immediately. There is nothing to accept.
func (h *ConnectionHandler) Run(ctx context.Context) error {
	dirldap.LogConnectionEvent(ctx, "handler_started", map[string]any{"handler": HandlerName})
	return nil
}

// Finalize drops the root connection and rejects further operations.
func (h *ConnectionHandler) Finalize(ctx context.Context) {
	h.mu.Lock()
	h.root = nil
	h.closed = true
	h.mu.Unlock()

	dirldap.LogConnectionEvent(ctx, "handler_finalized", map[string]any{"handler": HandlerName})
}

// IsClosed reports whether Finalize has been called.
func (h *ConnectionHandler) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *ConnectionHandler) Sequences() *Sequences {
	return h.seq
}

// RootConnection returns the root internal connection, creating it on first use.
func (h *ConnectionHandler) RootConnection() *InternalClientConnection {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.root == nil {
		h.root = &InternalClientConnection{
			handler: h,
			id:      h.seq.NextConnectionID(),
			authDN:  RootDN,
			root:    true,
		}
	}
	return h.root
}

// NewConnectionForDN returns a connection authenticated as dn. An empty DN
// is anonymous. Any other DN must name an existing entry.
func (h *ConnectionHandler) NewConnectionForDN(ctx context.Context, dn string) (*InternalClientConnection, error) {
	if h.IsClosed() {
		return nil, errHandlerClosed()
	}

	var authDN string
	if dn != "" {
		parsed, err := dirldap.ParseDN(dn)
		if err != nil {
			return nil, err
		}
		if !h.engine.EntryExists(parsed) {
			dirldap.LogConnectionEvent(ctx, "authentication_failed", map[string]any{"bind_dn": dn})
			return nil, dirldap.NewDirectoryError(ldap.LDAPResultNoSuchObject, "no entry %s to authenticate as", dn)
		}
		authDN = dirldap.FormatDN(parsed)
	}

	conn := &InternalClientConnection{
		handler: h,
		id:      h.seq.NextConnectionID(),
		authDN:  authDN,
		limits:  h.limits,
	}
	dirldap.LogConnectionEvent(ctx, "connection_established", conn.logFields())
	return conn, nil
}

func errHandlerClosed() error {
	return dirldap.NewDirectoryError(ldap.LDAPResultUnavailable, "%s has been finalized", HandlerName)
}
