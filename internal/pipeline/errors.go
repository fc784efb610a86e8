package pipeline

import (
	"errors"
	"fmt"

	"github.com/careloop/medquery/internal/executor"
	"github.com/careloop/medquery/internal/translator"
	"github.com/careloop/medquery/internal/validator"
)

// Kind is the stable error taxonomy surfaced to clients and audit records.
type Kind string

const (
	KindTranslationError   Kind = "translation_error"
	KindUnsafeStatement    Kind = "unsafe_statement"
	KindUnknownIdentifier  Kind = "unknown_identifier"
	KindAccessDenied       Kind = "access_denied"
	KindInjectionSuspected Kind = "injection_suspected"
	KindUnboundedQuery     Kind = "unbounded_query"
	KindExecutionTimeout   Kind = "execution_timeout"
	KindExecutionError     Kind = "execution_error"
	KindRetrievalError     Kind = "retrieval_error"
	KindAuditWriteFailure  Kind = "audit_write_failure"
)

// Error is a classified pipeline failure. Summary is safe to return to the
// client; Err carries the underlying cause for logs and audit detail.
type Error struct {
	Kind    Kind
	Summary string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Summary, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, summary string, err error) *Error {
	return &Error{Kind: kind, Summary: summary, Err: err}
}

// kindForRule maps a validation rule to its error kind; the taxonomy uses
// the same names.
func kindForRule(rule validator.Rule) Kind {
	return Kind(rule)
}

// classifyExecution distinguishes deadline expiry from other statement
// failures.
func classifyExecution(err error) *Error {
	if errors.Is(err, executor.ErrTimeout) {
		return newError(KindExecutionTimeout, "statement exceeded its execution deadline", err)
	}
	return newError(KindExecutionError, "statement execution failed", err)
}

// classifyTranslation wraps translator failures, keeping the model's reason.
func classifyTranslation(err error) *Error {
	var terr *translator.Error
	if errors.As(err, &terr) {
		return newError(KindTranslationError, terr.Reason, err)
	}
	return newError(KindTranslationError, "question could not be translated", err)
}
