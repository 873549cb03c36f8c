package session

import (
	"errors"
	"fmt"
)

// ErrInvalidThreshold rejects a negative pause threshold.
var ErrInvalidThreshold = errors.New("pause threshold must be positive")

// DeviceOpenError is returned by Start when the input device cannot be
// resolved or opened. No session is launched.
type DeviceOpenError struct {
	Device string
	Err    error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("open input device %s: %v", e.Device, e.Err)
}

func (e *DeviceOpenError) Unwrap() error { return e.Err }

// RecognitionError ends a session when the recognizer cannot be opened or
// fails while processing a frame.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string { return "recognition: " + e.Err.Error() }
func (e *RecognitionError) Unwrap() error { return e.Err }

// CaptureError ends a session when reading a frame fails.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return "capture: " + e.Err.Error() }
func (e *CaptureError) Unwrap() error { return e.Err }

// PanicError carries a panic recovered inside the capture loop.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("capture loop panic: %v", e.Value) }

func reasonLabel(err error) string {
	switch err.(type) {
	case nil:
		return "none"
	case *RecognitionError:
		return "recognition"
	case *CaptureError:
		return "capture"
	case *PanicError:
		return "panic"
	default:
		return "other"
	}
}
