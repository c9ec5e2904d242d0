package ldap

import (
	"context"
	"math"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Result is the final status of a directory operation.
type Result struct {
	Code      uint16
	Message   string
	MatchedDN string
	Referrals []string
}

// Success is the result of an operation that completed normally.
var Success = Result{Code: ldap.LDAPResultSuccess}

// ResultFromError converts err into a Result. A nil error is success.
func ResultFromError(err error) Result {
	if err == nil {
		return Success
	}
	dirErr := AsDirectoryError(err)
	return Result{
		Code:      dirErr.ResultCode,
		Message:   dirErr.Message,
		MatchedDN: dirErr.MatchedDN,
		Referrals: dirErr.Referrals,
	}
}

// Err returns the result as a *DirectoryError, or nil when it is success.
func (r Result) Err() error {
	switch r.Code {
	case ldap.LDAPResultSuccess, ldap.LDAPResultCompareTrue, ldap.LDAPResultCompareFalse:
		return nil
	}
	return &DirectoryError{
		ResultCode: r.Code,
		Message:    r.Message,
		MatchedDN:  r.MatchedDN,
		Referrals:  r.Referrals,
	}
}

// Limits are the server-side bounds applied to a connection's searches. Zero
// means unlimited.
type Limits struct {
	SizeLimit        int
	TimeLimit        time.Duration
	LookthroughLimit int
}

// EffectiveSizeLimit bounds a requested size limit by the connection limit.
func (l Limits) EffectiveSizeLimit(requested int) int {
	return minLimit(requested, l.SizeLimit)
}

// maxTimeLimitSeconds is the largest time limit in seconds a time.Duration holds.
const maxTimeLimitSeconds = math.MaxInt64 / int64(time.Second)

// EffectiveTimeLimit bounds a requested time limit in seconds by the
// connection limit. Requests beyond the range of time.Duration saturate
// instead of wrapping.
func (l Limits) EffectiveTimeLimit(requestedSeconds int) time.Duration {
	var requested time.Duration
	switch {
	case requestedSeconds <= 0:
		return l.TimeLimit
	case int64(requestedSeconds) > maxTimeLimitSeconds:
		requested = math.MaxInt64
	default:
		requested = time.Duration(requestedSeconds) * time.Second
	}
	if l.TimeLimit <= 0 {
		return requested
	}
	return min(requested, l.TimeLimit)
}

func minLimit(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}

// SearchOperation is the view of an in-flight search that the execution
// engine works against. The engine reports each match through SendSearchEntry
// or SendSearchReference, stops on the first error they return, and finally
// records the outcome with SetResult.
type SearchOperation interface {
	Request() *SearchRequest
	Limits() Limits
	SendSearchEntry(entry *ldap.Entry) error
	SendSearchReference(ref *Reference) (bool, error)
	SetResult(result Result)
}

type authzDNKey struct{}

// WithAuthorizationDN records the DN an operation runs as. The engine uses it
// for creatorsName and modifiersName.
func WithAuthorizationDN(ctx context.Context, dn string) context.Context {
	return context.WithValue(ctx, authzDNKey{}, dn)
}

// AuthorizationDN returns the DN recorded by WithAuthorizationDN, or "" for anonymous.
func AuthorizationDN(ctx context.Context) string {
	dn, _ := ctx.Value(authzDNKey{}).(string)
	return dn
}
