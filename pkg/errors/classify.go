package errors

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
)

// unavailablePatterns match transport-level failures from backends that
// return plain string errors. Substring matching is a fallback for foreign
// errors only; anything raised inside this codebase carries a typed Kind.
var unavailablePatterns = []string{
	"econnrefused",
	"connection refused",
	"connection reset",
	"fetch failed",
	"no such host",
	"broken pipe",
	"database is locked",
	"too many requests",
	"service unavailable",
	"circuit breaker is open",
}

var timeoutPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var conflictPatterns = []string{
	"conditionalcheckfailed",
	"version mismatch",
	"constraint failed",
}

var notFoundPatterns = []string{
	"not found",
	"no rows",
	"does not exist",
}

// Classify maps an arbitrary error onto a Kind. Typed errors win; context
// and net errors are recognized next; the substring heuristics apply only
// to untyped stragglers.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}

	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return KindTimeout
		}
	}
	for _, p := range unavailablePatterns {
		if strings.Contains(msg, p) {
			return KindUnavailable
		}
	}
	for _, p := range conflictPatterns {
		if strings.Contains(msg, p) {
			return KindConflict
		}
	}
	for _, p := range notFoundPatterns {
		if strings.Contains(msg, p) {
			return KindNotFound
		}
	}

	return KindInternal
}
