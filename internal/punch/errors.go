package punch

import (
	"errors"
	"fmt"
)

// Error is the structured error for punch capture and synchronization.
//
// Rejections (geofence, limit, confidence, enrollment) are expected outcomes of
// admission and are reported to the operator. STORAGE_FAULT is fatal to the
// operation that raised it. REMOTE_FAULT is recoverable: the affected queue
// item stays unsynced and is retried on the next pass.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// LaborID identifies the laborer, when known.
	LaborID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes punch errors.
type ErrorCode string

const (
	// ErrCodeStorageFault indicates local persistence is unavailable or corrupt.
	ErrCodeStorageFault ErrorCode = "STORAGE_FAULT"

	// ErrCodeOutsideGeofence indicates no location is within radius.
	ErrCodeOutsideGeofence ErrorCode = "OUTSIDE_GEOFENCE"

	// ErrCodeNoLocations indicates the department has no active locations.
	ErrCodeNoLocations ErrorCode = "NO_LOCATIONS_CONFIGURED"

	// ErrCodePunchLimit indicates the per-day punch limit is reached.
	ErrCodePunchLimit ErrorCode = "PUNCH_LIMIT_EXCEEDED"

	// ErrCodeLowConfidence indicates the face match score is below threshold.
	ErrCodeLowConfidence ErrorCode = "LOW_CONFIDENCE"

	// ErrCodeNotEnrolled indicates no face template is cached for the laborer.
	ErrCodeNotEnrolled ErrorCode = "NOT_ENROLLED"

	// ErrCodeRemoteFault indicates a network or remote backend failure.
	ErrCodeRemoteFault ErrorCode = "REMOTE_FAULT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.LaborID != "" {
		msg = fmt.Sprintf("%s (labor=%s)", msg, e.LaborID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsStorageFault returns true if err is a local persistence failure.
func IsStorageFault(err error) bool {
	return CodeOf(err) == ErrCodeStorageFault
}

// IsRemoteFault returns true if err is a recoverable remote failure.
func IsRemoteFault(err error) bool {
	return CodeOf(err) == ErrCodeRemoteFault
}

// IsRejection returns true if err is an expected admission rejection.
// A rejected capture is not queued and writes no state.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case ErrCodeOutsideGeofence, ErrCodeNoLocations, ErrCodePunchLimit,
		ErrCodeLowConfidence, ErrCodeNotEnrolled:
		return true
	}
	return false
}

// StorageFault wraps a local persistence error.
func StorageFault(op string, err error) *Error {
	return &Error{
		Code:    ErrCodeStorageFault,
		Message: op,
		Err:     err,
	}
}

// RemoteFault wraps a remote backend error.
func RemoteFault(op string, err error) *Error {
	return &Error{
		Code:    ErrCodeRemoteFault,
		Message: op,
		Err:     err,
	}
}

// Reject builds an admission rejection.
func Reject(code ErrorCode, laborID, message string, details map[string]string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		LaborID: laborID,
		Details: details,
	}
}
