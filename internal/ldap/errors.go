package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors for the three failure kinds exposed by the request and operation layers.
var (
	// ErrPrecondition marks a programmer error: a nil required argument or a negative limit.
	ErrPrecondition = errors.New("precondition violation")

	// ErrParse marks a malformed DN or filter string.
	ErrParse = errors.New("parse error")

	// ErrDirectory marks an error raised while processing a directory operation.
	ErrDirectory = errors.New("directory processing error")
)

// precondition panics with an error wrapping ErrPrecondition. Builder methods use it
// for arguments that can only be wrong through a bug in the caller.
func precondition(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...)))
}

// ParseError reports a DN or filter string that could not be decoded.
type ParseError struct {
	Kind  string // "DN" or "filter"
	Input string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Kind, e.Input, e.Cause)
	}
	return fmt.Sprintf("invalid %s %q", e.Kind, e.Input)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrParse) match any ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Code returns the LDAP result code a server would report for this input.
func (e *ParseError) Code() uint16 {
	if e.Kind == "filter" {
		return ldap.LDAPResultFilterError
	}
	return ldap.LDAPResultInvalidDNSyntax
}

// DirectoryError signals that a directory operation must stop. The code becomes
// the operation's final result code.
type DirectoryError struct {
	ResultCode uint16
	Message    string
	MatchedDN  string
	Referrals  []string
	Cause      error
}

// NewDirectoryError creates a processing error with the given result code.
func NewDirectoryError(code uint16, format string, args ...any) *DirectoryError {
	return &DirectoryError{
		ResultCode: code,
		Message:    fmt.Sprintf(format, args...),
	}
}

func (e *DirectoryError) Error() string {
	msg := fmt.Sprintf("%s (code %d)", resultCodeName(e.ResultCode), e.ResultCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.MatchedDN != "" {
		msg += fmt.Sprintf(" (matched DN: %s)", e.MatchedDN)
	}
	return msg
}

func (e *DirectoryError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrDirectory) match any DirectoryError.
func (e *DirectoryError) Is(target error) bool {
	return target == ErrDirectory
}

// WithMatchedDN sets the matched DN and returns e.
func (e *DirectoryError) WithMatchedDN(dn string) *DirectoryError {
	e.MatchedDN = dn
	return e
}

// WithCause records the underlying error and returns e.
func (e *DirectoryError) WithCause(err error) *DirectoryError {
	e.Cause = err
	return e
}

// AsDirectoryError converts err into a DirectoryError. Parse errors and go-ldap
// errors keep their result codes; anything else becomes "other".
func AsDirectoryError(err error) *DirectoryError {
	if err == nil {
		return nil
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return &DirectoryError{ResultCode: parseErr.Code(), Message: parseErr.Error(), Cause: err}
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		msg := ""
		if ldapErr.Err != nil {
			msg = ldapErr.Err.Error()
		}
		return &DirectoryError{ResultCode: ldapErr.ResultCode, Message: msg, MatchedDN: ldapErr.MatchedDN, Cause: err}
	}

	return &DirectoryError{ResultCode: ldap.LDAPResultOther, Message: err.Error(), Cause: err}
}

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryLimit          ErrorCategory = "limit"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for directory operations. It is
// the structured form used in logs.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Diagnostic message from the engine
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the caller may retry
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError wraps err with operation context. Directory, parse and go-ldap
// errors contribute their result codes.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var dirErr *DirectoryError
	var parseErr *ParseError
	var resultErr *ldap.Error

	switch {
	case errors.As(err, &dirErr):
		ldapErr.LDAPCode = dirErr.ResultCode
		ldapErr.ServerMsg = dirErr.Message
		ldapErr.DN = dirErr.MatchedDN
	case errors.As(err, &parseErr):
		ldapErr.LDAPCode = parseErr.Code()
		ldapErr.ServerMsg = parseErr.Error()
	case errors.As(err, &resultErr):
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.DN = resultErr.MatchedDN
	default:
		ldapErr.Category = ErrorCategoryUnknown
		ldapErr.Message = err.Error()
		return ldapErr
	}

	ldapErr.Category = categorizeError(ldapErr.LDAPCode)
	ldapErr.Retryable = isLDAPCodeRetryable(ldapErr.LDAPCode)
	ldapErr.Message = resultCodeName(ldapErr.LDAPCode)
	return ldapErr
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryConflict

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultFilterError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryValidation

	case ldap.LDAPResultSizeLimitExceeded,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryLimit

	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultOperationsError,
		ldap.LDAPResultOther:
		return ErrorCategoryServer

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// isLDAPCodeRetryable reports whether a result code describes a transient condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultTimeLimitExceeded:
		return true
	default:
		return false
	}
}

// resultCodeName returns the go-ldap description of a result code.
func resultCodeName(code uint16) string {
	if name, ok := ldap.LDAPResultCodeMap[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown LDAP result code %d", code)
}

// ResultCodeName is the exported form of resultCodeName.
func ResultCodeName(code uint16) string {
	return resultCodeName(code)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return categorizeError(dirErr.ResultCode)
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ErrorCategoryValidation
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	return ErrorCategoryUnknown
}

// ResultCode extracts an LDAP result code from err. nil maps to success.
func ResultCode(err error) uint16 {
	if err == nil {
		return ldap.LDAPResultSuccess
	}
	return AsDirectoryError(err).ResultCode
}

// IsLimitError checks if an error indicates a size, time or administrative limit.
func IsLimitError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryLimit
}
