package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/restatedev/sdk-shared-core/journal"
	"github.com/restatedev/sdk-shared-core/protocol"
)

// InvocationErrorCode classifies invocation failures. The range below
// 500 mirrors HTTP; 570-599 are protocol-level codes.
type InvocationErrorCode uint16

const (
	CodeBadRequest           InvocationErrorCode = 400
	CodeUnsupportedMediaType InvocationErrorCode = 415
	CodeCancelled            InvocationErrorCode = 409
	CodeInternal             InvocationErrorCode = 500

	CodeJournalMismatch         InvocationErrorCode = 570
	CodeProtocolViolation       InvocationErrorCode = 571
	CodeAwaitingTwoAsyncResults InvocationErrorCode = 572
	CodeUnsupportedFeature      InvocationErrorCode = 573
	CodeClosed                  InvocationErrorCode = 598
	CodeSuspended               InvocationErrorCode = 599
)

// ErrSuspended is the sentinel returned by TakeAsyncResult once the
// invocation checkpointed. It is not a failure; the host tears the
// handler down and the platform resumes the invocation later.
var ErrSuspended = errors.New("vm: suspended")

// Error is an invocation failure carrying the taxonomy code and,
// when known, the journal entry it relates to.
type Error struct {
	Code        InvocationErrorCode
	Message     string
	Description string

	RelatedEntryIndex *uint32
	RelatedEntryType  *protocol.MessageType

	// NextRetryDelay is set on retryable run failures whose policy
	// granted another attempt.
	NextRetryDelay *time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) withRelatedEntry(index uint32, ty protocol.MessageType) *Error {
	e.RelatedEntryIndex = &index
	e.RelatedEntryType = &ty
	return e
}

func errorf(code InvocationErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errClosed() *Error {
	return errorf(CodeClosed, "vm: the invocation stream is already closed")
}

func protocolViolationf(format string, args ...any) *Error {
	return errorf(CodeProtocolViolation, format, args...)
}

// asError normalises any error into *Error, classifying replay
// mismatches under the journal-mismatch code and everything else as
// internal.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var typeMismatch *protocol.TypeMismatchError
	var entryMismatch *journal.EntryMismatchError
	if errors.As(err, &typeMismatch) || errors.As(err, &entryMismatch) {
		return &Error{Code: CodeJournalMismatch, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
