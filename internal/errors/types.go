package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ErrorType buckets an error for retry decisions.
type ErrorType int

const (
	ErrorTypeTransient ErrorType = iota // worth retrying
	ErrorTypePermanent                  // retrying cannot help
	ErrorTypeDegraded                   // the caller may continue without the result
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeDegraded:
		return "degraded"
	default:
		return "permanent"
	}
}

// classified tags an error with an explicit retry classification. The
// message, when set, replaces the technical error text so it can be
// surfaced directly as a task failure cause or a CLI line.
type classified struct {
	kind    ErrorType
	err     error
	message string
}

func (e *classified) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("%s error: %v", e.kind, e.err)
}

func (e *classified) Unwrap() error { return e.err }

// NewTransientError marks err as worth retrying. A non-empty message
// becomes the user-facing error text.
func NewTransientError(err error, message string) error {
	return &classified{kind: ErrorTypeTransient, err: err, message: message}
}

// NewPermanentError marks err as not retryable.
func NewPermanentError(err error, message string) error {
	return &classified{kind: ErrorTypePermanent, err: err, message: message}
}

// NewDegradedError marks err as survivable: the operation failed but the
// caller can carry on without it. The circuit breaker emits these while
// open so retry loops stand down until the cooldown elapses.
func NewDegradedError(err error, message string) error {
	return &classified{kind: ErrorTypeDegraded, err: err, message: message}
}

func kindOf(err error) (ErrorType, bool) {
	var c *classified
	if errors.As(err, &c) {
		return c.kind, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying: explicitly marked
// transient, or sniffed as a recoverable network, syscall, or HTTP
// failure. Unmarked errors that match nothing are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := kindOf(err); ok {
		return kind == ErrorTypeTransient
	}
	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	if code := extractHTTPStatusCode(err); code > 0 {
		return isTransientHTTPStatus(code)
	}
	return false
}

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := kindOf(err); ok {
		return kind == ErrorTypePermanent
	}
	if code := extractHTTPStatusCode(err); code > 0 {
		return isPermanentHTTPStatus(code)
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// IsDegraded reports whether the caller may continue without the result.
func IsDegraded(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == ErrorTypeDegraded
}

// GetErrorType buckets err for retry decisions. Unclassified errors that
// match no transient signal default to permanent so nothing retries
// forever on an unknown failure.
func GetErrorType(err error) ErrorType {
	switch {
	case err == nil:
		return ErrorTypePermanent
	case IsDegraded(err):
		return ErrorTypeDegraded
	case IsTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// Humanize converts technical errors into actionable one-line messages
// for task failure causes and CLI output.
func Humanize(err error) string {
	if err == nil {
		return ""
	}

	var c *classified
	if errors.As(err, &c) && c.message != "" {
		return c.message
	}

	errStr := err.Error()
	lowerErr := strings.ToLower(errStr)

	switch {
	case strings.Contains(lowerErr, "connection refused"):
		return "Provider is not reachable. Check that the configured endpoint is running."
	case strings.Contains(lowerErr, "rate limit") || strings.Contains(lowerErr, "429"):
		return "Provider rate limit reached. The request will be retried with backoff."
	case strings.Contains(lowerErr, "timeout") || strings.Contains(lowerErr, "deadline exceeded"):
		return "Request timed out. Break the task into smaller steps or raise the timeout."
	case strings.Contains(lowerErr, "unauthorized") || strings.Contains(lowerErr, "401"):
		return "Authentication failed. Check the API key configuration."
	case strings.Contains(lowerErr, "permission denied") || strings.Contains(lowerErr, "403"):
		return "Permission denied for this resource."
	case strings.Contains(lowerErr, "not found") || strings.Contains(lowerErr, "404"):
		return "Resource not found. Verify the identifier."
	case strings.Contains(lowerErr, "500") || strings.Contains(lowerErr, "502") ||
		strings.Contains(lowerErr, "503") || strings.Contains(lowerErr, "internal server error"):
		return "Upstream server error. The request will be retried."
	}

	return errStr
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
		"no such host",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return true
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

var statusCodePattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// extractHTTPStatusCode pulls a known HTTP status code out of an error.
// Provider clients attach an HTTPStatusError; plain errors are sniffed
// for text like "status 429" or "API error 503".
func extractHTTPStatusCode(err error) int {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	match := statusCodePattern.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	code, convErr := strconv.Atoi(match[1])
	if convErr != nil {
		return 0
	}
	if isTransientHTTPStatus(code) || isPermanentHTTPStatus(code) {
		return code
	}
	return 0
}

// HTTPStatusError wraps an HTTP failure so classification can read the
// code without string matching.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}
