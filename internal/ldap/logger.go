package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems.
const (
	SubsystemLDAP    = "ldap"
	SubsystemBackend = "backend"
	SubsystemInproc  = "inproc"
	SubsystemServer  = "server"
)

// InitializeLogging registers every subsystem on the root logger in ctx.
// Each subsystem level can be raised with DIRSRV_LOG_<SUBSYSTEM>, for example
// DIRSRV_LOG_BACKEND=trace.
func InitializeLogging(ctx context.Context) context.Context {
	for _, subsystem := range []string{SubsystemLDAP, SubsystemBackend, SubsystemInproc, SubsystemServer} {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv("DIRSRV_LOG_"+strings.ToUpper(subsystem)))
	}
	return ctx
}

// Logger interface for directory operations.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

// TFLogger wraps tflog for use by a single subsystem.
type TFLogger struct {
	ctx       context.Context
	subsystem string
}

// NewTFLogger creates a new logger bound to ctx and subsystem.
func NewTFLogger(ctx context.Context, subsystem string) *TFLogger {
	return &TFLogger{
		ctx:       ctx,
		subsystem: subsystem,
	}
}

func (l *TFLogger) Debug(msg string, fields map[string]any) {
	tflog.SubsystemDebug(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Info(msg string, fields map[string]any) {
	tflog.SubsystemInfo(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Warn(msg string, fields map[string]any) {
	tflog.SubsystemWarn(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Error(msg string, fields map[string]any) {
	tflog.SubsystemError(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Trace(msg string, fields map[string]any) {
	tflog.SubsystemTrace(l.ctx, l.subsystem, msg, fields)
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	entryFields := make(map[string]any, len(fields)+3)
	maps.Copy(entryFields, fields)
	entryFields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", entryFields)

	err := fn()

	entryFields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		entryFields["error"] = err.Error()
		entryFields["result_code"] = ResultCode(err)
		tflog.SubsystemError(ctx, subsystem, "Operation failed", entryFields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", entryFields)
	}

	return err
}

// LogPerformance logs performance metrics for an operation.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	perfFields := make(map[string]any, len(fields)+2)
	maps.Copy(perfFields, fields)
	perfFields["operation"] = operation
	perfFields["duration_ms"] = duration.Milliseconds()

	// Log performance warnings for slow operations
	if duration > 5*time.Second {
		tflog.SubsystemWarn(ctx, subsystem, "Slow operation detected", perfFields)
	} else if duration > 1*time.Second {
		tflog.SubsystemInfo(ctx, subsystem, "Operation performance", perfFields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation performance", perfFields)
	}
}

// LogLDAPError logs result code, matched DN and diagnostic message of a failed operation.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	errFields := make(map[string]any, len(fields)+7)
	maps.Copy(errFields, fields)
	errFields["operation"] = operation
	errFields["error"] = err.Error()

	details := NewLDAPError(operation, err)
	errFields["error_category"] = string(details.Category)
	errFields["retryable"] = details.IsRetryable()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		errFields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			errFields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			errFields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	} else if dirErr := AsDirectoryError(err); dirErr != nil {
		errFields["ldap_result_code"] = dirErr.ResultCode
		if dirErr.MatchedDN != "" {
			errFields["ldap_matched_dn"] = dirErr.MatchedDN
		}
		if dirErr.Message != "" {
			errFields["ldap_diagnostic_message"] = dirErr.Message
		}
	}

	if IsLimitError(err) {
		tflog.SubsystemWarn(ctx, subsystem, "LDAP operation stopped at limit", errFields)
		return
	}
	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", errFields)
}

// LogConnectionEvent logs internal connection lifecycle events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	eventFields := make(map[string]any, len(fields)+1)
	maps.Copy(eventFields, fields)
	eventFields["event"] = event

	switch event {
	case "connection_established", "handler_started", "handler_finalized":
		tflog.SubsystemInfo(ctx, SubsystemInproc, "Connection event", eventFields)
	case "authentication_failed", "operation_rejected":
		tflog.SubsystemError(ctx, SubsystemInproc, "Connection event", eventFields)
	default:
		tflog.SubsystemDebug(ctx, SubsystemInproc, "Connection event", eventFields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any)

	sensitiveKeys := map[string]bool{
		"password":     true,
		"passwd":       true,
		"userpassword": true,
		"secret":       true,
		"token":        true,
		"key":          true,
		"private_key":  true,
		"credential":   true,
		"credentials":  true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
		} else if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
