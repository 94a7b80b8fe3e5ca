package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for cache and replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeKeyNotFound      ErrorCode = 1001
	ErrCodeChecksumFailed   ErrorCode = 1002
	ErrCodeMalformedPayload ErrorCode = 1003

	// Engine errors
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeStoreUnavailable ErrorCode = 2001
	ErrCodeShuttingDown     ErrorCode = 2002

	// Replication errors
	ErrCodeQuorumNotReached   ErrorCode = 3000
	ErrCodeNoQuorumAvailable  ErrorCode = 3001
	ErrCodeNodeNotFound       ErrorCode = 3002
	ErrCodeNodeExists         ErrorCode = 3003
	ErrCodePrimaryRemoval     ErrorCode = 3004
	ErrCodeSnapshotNotFound   ErrorCode = 3005
	ErrCodeConflictUnresolved ErrorCode = 3006
)

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewEngineError creates a new EngineError
func NewEngineError(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// CodeOf extracts the engine error code from an error chain, or
// ErrCodeInternal when the chain carries no EngineError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// Is delegates to the standard library so callers of this package do
// not need a second errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As delegates to the standard library.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// New delegates to the standard library.
func New(text string) error {
	return stderrors.New(text)
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *EngineError {
	return NewEngineError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func ChecksumFailed(expected, actual uint32) *EngineError {
	return NewEngineError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func MalformedPayload(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeMalformedPayload, message, cause)
}

func InternalError(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInternal, message, cause)
}

func StoreUnavailable(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeStoreUnavailable, message, cause)
}

func ShuttingDown(component string) *EngineError {
	return NewEngineError(ErrCodeShuttingDown, fmt.Sprintf("%s is shutting down", component), nil).
		WithDetail("component", component)
}

func QuorumNotReached(acks, required int) *EngineError {
	return NewEngineError(ErrCodeQuorumNotReached, fmt.Sprintf("quorum not reached: %d/%d acks", acks, required), nil).
		WithDetail("acks", acks).
		WithDetail("required", required)
}

func NoQuorumAvailable(live, required int) *EngineError {
	return NewEngineError(ErrCodeNoQuorumAvailable, fmt.Sprintf("quorum unreachable: %d live nodes, %d required", live, required), nil).
		WithDetail("live", live).
		WithDetail("required", required)
}

func NodeNotFound(nodeID string) *EngineError {
	return NewEngineError(ErrCodeNodeNotFound, fmt.Sprintf("node not found: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func NodeExists(nodeID string) *EngineError {
	return NewEngineError(ErrCodeNodeExists, fmt.Sprintf("node already registered: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func PrimaryRemoval(nodeID string) *EngineError {
	return NewEngineError(ErrCodePrimaryRemoval, fmt.Sprintf("cannot remove primary node %s: promote another replica first", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func SnapshotNotFound(snapshotID string) *EngineError {
	return NewEngineError(ErrCodeSnapshotNotFound, fmt.Sprintf("snapshot not found: %s", snapshotID), nil).
		WithDetail("snapshot_id", snapshotID)
}

func ConflictUnresolved(key string) *EngineError {
	return NewEngineError(ErrCodeConflictUnresolved, fmt.Sprintf("conflict for key %s left unresolved", key), nil).
		WithDetail("key", key)
}
