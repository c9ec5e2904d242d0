package inproc

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// InternalSearchOperation is a search issued by server-side code rather than a
// network client. Results go to the operation's ResultSink instead of a
// socket.
//
// An operation is owned by one goroutine for its whole life and is not safe
// for concurrent use.
type InternalSearchOperation struct {
	conn        *InternalClientConnection
	operationID int64
	messageID   int32
	request     *dirldap.SearchRequest
	sink        ResultSink

	result         dirldap.Result
	entriesSent    int
	referencesSent int
}

var _ dirldap.SearchOperation = (*InternalSearchOperation)(nil)

// NewInternalSearchOperation creates a search operation on conn. The request is
// copied, so later changes by the caller do not affect the operation. A nil
// request or sink panics, as does a request without a base DN or filter.
func NewInternalSearchOperation(conn *InternalClientConnection, operationID int64, messageID int32, req *dirldap.SearchRequest, sink ResultSink) *InternalSearchOperation {
	switch {
	case req == nil:
		panic(fmt.Errorf("%w: nil search request", dirldap.ErrPrecondition))
	case req.Name() == nil:
		panic(fmt.Errorf("%w: search request has no base DN", dirldap.ErrPrecondition))
	case req.Filter() == nil:
		panic(fmt.Errorf("%w: search request has no filter", dirldap.ErrPrecondition))
	case isNilSink(sink):
		panic(fmt.Errorf("%w: nil result sink", dirldap.ErrPrecondition))
	}
	return &InternalSearchOperation{
		conn:        conn,
		operationID: operationID,
		messageID:   messageID,
		request:     req.Clone(),
		sink:        sink,
		result:      dirldap.Success,
	}
}

// isNilSink reports whether sink is nil or wraps a nil pointer.
func isNilSink(sink ResultSink) bool {
	switch s := sink.(type) {
	case nil:
		return true
	case *BufferedSink:
		return s == nil
	case *StreamingSink:
		return s == nil
	default:
		return false
	}
}

func (op *InternalSearchOperation) Connection() *InternalClientConnection {
	return op.conn
}

func (op *InternalSearchOperation) OperationID() int64 {
	return op.operationID
}

func (op *InternalSearchOperation) MessageID() int32 {
	return op.messageID
}

// Request returns the request being executed.
func (op *InternalSearchOperation) Request() *dirldap.SearchRequest {
	return op.request
}

// Limits returns the bounds of the owning connection.
func (op *InternalSearchOperation) Limits() dirldap.Limits {
	if op.conn == nil {
		return dirldap.Limits{}
	}
	return op.conn.Limits()
}

// IsInternalOperation is always true.
func (op *InternalSearchOperation) IsInternalOperation() bool {
	return true
}

// Sink returns the sink chosen at construction.
func (op *InternalSearchOperation) Sink() ResultSink {
	return op.sink
}

// Buffered returns the buffered sink, or false when results are streamed.
func (op *InternalSearchOperation) Buffered() (*BufferedSink, bool) {
	s, ok := op.sink.(*BufferedSink)
	return s, ok
}

// SearchEntries returns the buffered entries, or nil when results are streamed.
func (op *InternalSearchOperation) SearchEntries() []*ldap.Entry {
	if s, ok := op.Buffered(); ok {
		return s.Entries()
	}
	return nil
}

// SearchReferences returns the buffered references, or nil when results are streamed.
func (op *InternalSearchOperation) SearchReferences() []*dirldap.Reference {
	if s, ok := op.Buffered(); ok {
		return s.References()
	}
	return nil
}

// AddSearchEntry hands a matching entry to the sink. An error aborts the search.
func (op *InternalSearchOperation) AddSearchEntry(entry *ldap.Entry) error {
	if err := op.sink.addEntry(op, entry); err != nil {
		return err
	}
	op.entriesSent++
	return nil
}

// AddSearchReference hands a search result reference to the sink. An error
// aborts the search.
func (op *InternalSearchOperation) AddSearchReference(ref *dirldap.Reference) error {
	if err := op.sink.addReference(op, ref); err != nil {
		return err
	}
	op.referencesSent++
	return nil
}

// SendSearchEntry is called by the engine for each match.
func (op *InternalSearchOperation) SendSearchEntry(entry *ldap.Entry) error {
	return op.AddSearchEntry(entry)
}

// SendSearchReference is called by the engine for each continuation
// reference. There is no transport to refuse referrals, so it always reports
// that more are welcome.
func (op *InternalSearchOperation) SendSearchReference(ref *dirldap.Reference) (bool, error) {
	if err := op.AddSearchReference(ref); err != nil {
		return false, err
	}
	return true, nil
}

// SetResult records the final outcome of the operation.
func (op *InternalSearchOperation) SetResult(result dirldap.Result) {
	op.result = result
}

func (op *InternalSearchOperation) Result() dirldap.Result {
	return op.result
}

func (op *InternalSearchOperation) ResultCode() uint16 {
	return op.result.Code
}

func (op *InternalSearchOperation) ErrorMessage() string {
	return op.result.Message
}

func (op *InternalSearchOperation) MatchedDN() string {
	return op.result.MatchedDN
}

func (op *InternalSearchOperation) ReferralURLs() []string {
	return op.result.Referrals
}

// EntriesSent is the number of entries accepted by the sink.
func (op *InternalSearchOperation) EntriesSent() int {
	return op.entriesSent
}

// ReferencesSent is the number of references accepted by the sink.
func (op *InternalSearchOperation) ReferencesSent() int {
	return op.referencesSent
}

// Err returns the result as a *dirldap.DirectoryError, or nil on success.
func (op *InternalSearchOperation) Err() error {
	return op.result.Err()
}

// Run executes the operation on the calling goroutine.
func (op *InternalSearchOperation) Run(ctx context.Context) error {
	if op.conn == nil {
		panic(fmt.Errorf("%w: search operation has no connection", dirldap.ErrPrecondition))
	}
	return op.conn.runSearch(ctx, op)
}

// LogFields describes the operation for structured logging.
func (op *InternalSearchOperation) LogFields() map[string]any {
	fields := op.request.LogFields()
	fields["operation_id"] = op.operationID
	fields["message_id"] = op.messageID
	if op.conn != nil {
		fields["connection_id"] = op.conn.ID()
	}
	_, buffered := op.Buffered()
	fields["buffered"] = buffered
	return fields
}
