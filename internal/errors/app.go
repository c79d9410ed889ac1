package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Category groups errors by their origin for HTTP mapping and triage.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryBusiness   Category = "business"
	CategorySystem     Category = "system"
	CategoryDatabase   Category = "database"
	CategoryNetwork    Category = "network"
	CategoryAuth       Category = "auth"
	CategoryExternal   Category = "external"
)

// Severity ranks how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Code is a stable integer identifying one failure mode. Codes are grouped
// by category: 1xxx validation, 2xxx business, 3xxx system, 4xxx database,
// 5xxx network, 6xxx auth, 7xxx external.
type Code int

const (
	CodeInvalidArgument Code = 1001
	CodeInvalidJSON     Code = 1002
	CodeMissingField    Code = 1003
	CodeOutOfRange      Code = 1004

	CodeTaskNotFound       Code = 2001
	CodeInvalidTransition  Code = 2002
	CodeDependencyCycle    Code = 2003
	CodePlanNotFound       Code = 2004
	CodeWorkflowNotFound   Code = 2005
	CodeJobNotFound        Code = 2006
	CodeSnapshotNotFound   Code = 2007
	CodeResourceLimit      Code = 2008
	CodeLinkNotFound       Code = 2009
	CodeGoalValidation     Code = 2010
	CodeEvaluationNotFound Code = 2011

	CodeInternal      Code = 3001
	CodeConfiguration Code = 3002
	CodeTimeout       Code = 3003

	CodeDatabaseConnection Code = 4001
	CodeDatabaseQuery      Code = 4002
	CodeDatabaseMigration  Code = 4003

	CodeNetworkConnect Code = 5001
	CodeNetworkTimeout Code = 5002

	CodeUnauthorized Code = 6001
	CodeTokenExpired Code = 6002
	CodeForbidden    Code = 6003

	CodeLLMProvider       Code = 7001
	CodeEmbeddingProvider Code = 7002
	CodeMemoryProvider    Code = 7003
)

// AppError is the structured error every operation surfaces. It carries
// everything the HTTP envelope and the CLI need for correlation.
type AppError struct {
	ID          string         `json:"error_id"`
	Code        Code           `json:"error_code"`
	Category    Category       `json:"category"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Err         error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext attaches one context key to the error and returns it.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSuggestions appends remediation hints shown to callers.
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithSeverity overrides the category's default severity.
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

// HTTPStatus maps the error onto the transport status code. Not-found and
// cycle codes override their category defaults.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeTaskNotFound, CodePlanNotFound, CodeWorkflowNotFound,
		CodeJobNotFound, CodeSnapshotNotFound, CodeLinkNotFound,
		CodeEvaluationNotFound:
		return http.StatusNotFound
	case CodeDependencyCycle:
		return http.StatusBadRequest
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeTimeout, CodeNetworkTimeout:
		return http.StatusGatewayTimeout
	}

	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryBusiness:
		return http.StatusUnprocessableEntity
	case CategoryAuth:
		return http.StatusUnauthorized
	case CategoryNetwork, CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func defaultSeverity(category Category) Severity {
	switch category {
	case CategoryValidation:
		return SeverityLow
	case CategoryBusiness, CategoryAuth, CategoryNetwork, CategoryExternal:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

func categoryForCode(code Code) Category {
	switch {
	case code >= 1000 && code < 2000:
		return CategoryValidation
	case code >= 2000 && code < 3000:
		return CategoryBusiness
	case code >= 3000 && code < 4000:
		return CategorySystem
	case code >= 4000 && code < 5000:
		return CategoryDatabase
	case code >= 5000 && code < 6000:
		return CategoryNetwork
	case code >= 6000 && code < 7000:
		return CategoryAuth
	default:
		return CategoryExternal
	}
}

// New creates a structured error. The category derives from the code group.
func New(code Code, message string) *AppError {
	category := categoryForCode(code)
	return &AppError{
		ID:        uuid.NewString(),
		Code:      code,
		Category:  category,
		Severity:  defaultSeverity(category),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error that keeps the underlying cause.
func Wrap(err error, code Code, message string) *AppError {
	appErr := New(code, message)
	appErr.Err = err
	return appErr
}

// Wrapf wraps with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// AsApp extracts a structured error from an error chain.
func AsApp(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Ensure coerces any error into a structured one; unknown errors become
// internal system errors so the envelope is always complete.
func Ensure(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsApp(err); ok {
		return appErr
	}
	code := CodeInternal
	switch {
	case IsDegraded(err):
		code = CodeLLMProvider
	case isNetworkError(err):
		code = CodeNetworkConnect
	}
	return Wrap(err, code, Humanize(err))
}
