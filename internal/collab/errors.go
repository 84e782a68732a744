package collab

import (
	"errors"
	"fmt"
)

// SyncError is the only error type that leaves the service.
//
// Store and driver failures are wrapped as ErrCodeStoreFailure so callers
// never see raw driver errors. The connection layer and the REST handlers map
// Code to a close reason or an HTTP status.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// DocumentID identifies the affected document.
	DocumentID string

	// CurrentVersion is the stored version, set for version conflicts.
	CurrentVersion int64

	// StepIndex is the failing step of a batch, -1 when no single step is to blame.
	StepIndex int

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes synchronization errors.
type ErrorCode string

const (
	// ErrCodeVersionConflict indicates the submission's base version is stale.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodeStepApplication indicates a step could not be decoded or applied.
	ErrCodeStepApplication ErrorCode = "STEP_APPLICATION"

	// ErrCodeDocumentNotFound indicates the document does not exist.
	ErrCodeDocumentNotFound ErrorCode = "DOCUMENT_NOT_FOUND"

	// ErrCodeAccessDenied indicates the permission check failed.
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"

	// ErrCodeMalformedMessage indicates an inbound payload failed to parse.
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"

	// ErrCodeHistoryUnavailable indicates the requested version predates the
	// retained step log.
	ErrCodeHistoryUnavailable ErrorCode = "HISTORY_UNAVAILABLE"

	// ErrCodeDocumentExists indicates a document with the same ID already exists.
	ErrCodeDocumentExists ErrorCode = "DOCUMENT_EXISTS"

	// ErrCodeStoreFailure indicates the document store failed.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Code == ErrCodeVersionConflict:
		return fmt.Sprintf("%s: %s (document=%s, current=%d)", e.Code, e.Message, e.DocumentID, e.CurrentVersion)
	case e.Code == ErrCodeStepApplication && e.StepIndex >= 0:
		return fmt.Sprintf("%s: %s (document=%s, step=%d)", e.Code, e.Message, e.DocumentID, e.StepIndex)
	case e.DocumentID != "":
		return fmt.Sprintf("%s: %s (document=%s)", e.Code, e.Message, e.DocumentID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

// CodeOf returns the code of the SyncError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsVersionConflict reports whether err is a version conflict.
// Uses errors.As to handle wrapped errors.
func IsVersionConflict(err error) bool { return CodeOf(err) == ErrCodeVersionConflict }

// IsStepApplication reports whether err is a step application failure.
func IsStepApplication(err error) bool { return CodeOf(err) == ErrCodeStepApplication }

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeDocumentNotFound }

// IsAccessDenied reports whether err is an access failure.
func IsAccessDenied(err error) bool { return CodeOf(err) == ErrCodeAccessDenied }

// IsMalformed reports whether err is a malformed inbound message.
func IsMalformed(err error) bool { return CodeOf(err) == ErrCodeMalformedMessage }

// IsHistoryUnavailable reports whether err means the step log no longer
// reaches back far enough.
func IsHistoryUnavailable(err error) bool { return CodeOf(err) == ErrCodeHistoryUnavailable }

// CurrentVersionOf returns the stored version carried by a version conflict.
func CurrentVersionOf(err error) (int64, bool) {
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeVersionConflict {
		return se.CurrentVersion, true
	}
	return 0, false
}

// NewVersionConflict creates a SyncError for a stale base version.
func NewVersionConflict(documentID string, base, current int64) *SyncError {
	return &SyncError{
		Code:           ErrCodeVersionConflict,
		Message:        fmt.Sprintf("base version %d does not match", base),
		DocumentID:     documentID,
		CurrentVersion: current,
		StepIndex:      -1,
	}
}

// NewStepApplicationError creates a SyncError for a step that failed to decode or apply.
func NewStepApplicationError(documentID string, index int, err error) *SyncError {
	msg := "step could not be applied"
	if err != nil {
		msg = err.Error()
	}
	return &SyncError{
		Code:       ErrCodeStepApplication,
		Message:    msg,
		DocumentID: documentID,
		StepIndex:  index,
		Err:        err,
	}
}

// NewNotFound creates a SyncError for a missing document.
func NewNotFound(documentID string) *SyncError {
	return &SyncError{
		Code:       ErrCodeDocumentNotFound,
		Message:    "document does not exist",
		DocumentID: documentID,
		StepIndex:  -1,
	}
}

// NewExists creates a SyncError for a document ID that is already taken.
func NewExists(documentID string) *SyncError {
	return &SyncError{
		Code:       ErrCodeDocumentExists,
		Message:    "document already exists",
		DocumentID: documentID,
		StepIndex:  -1,
	}
}

// NewAccessDenied creates a SyncError for a failed permission check.
func NewAccessDenied(documentID string, err error) *SyncError {
	return &SyncError{
		Code:       ErrCodeAccessDenied,
		Message:    "access denied",
		DocumentID: documentID,
		StepIndex:  -1,
		Err:        err,
	}
}

// NewMalformed creates a SyncError for an inbound payload that failed to parse.
func NewMalformed(message string, err error) *SyncError {
	return &SyncError{
		Code:      ErrCodeMalformedMessage,
		Message:   message,
		StepIndex: -1,
		Err:       err,
	}
}

// NewHistoryUnavailable creates a SyncError for a replay that reaches past the retained log.
func NewHistoryUnavailable(documentID string, fromVersion, oldest int64) *SyncError {
	return &SyncError{
		Code:       ErrCodeHistoryUnavailable,
		Message:    fmt.Sprintf("history from version %d unavailable, log starts at %d", fromVersion, oldest),
		DocumentID: documentID,
		StepIndex:  -1,
	}
}

// NewStoreFailure wraps a store error.
func NewStoreFailure(documentID string, err error) *SyncError {
	return &SyncError{
		Code:       ErrCodeStoreFailure,
		Message:    "document store failure",
		DocumentID: documentID,
		StepIndex:  -1,
		Err:        err,
	}
}
