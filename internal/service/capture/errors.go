package capture

import (
	"errors"
	"fmt"
)

// InitCause classifies why a capture pipeline failed to initialise.
type InitCause string

const (
	CauseNetwork     InitCause = "network"
	CauseMissingFile InitCause = "missing-file"
	CauseSyntax      InitCause = "syntax"
	CauseAborted     InitCause = "aborted"
	CauseUnknown     InitCause = "unknown"
)

var (
	ErrNotInitialized = errors.New("capture pipeline not initialized")
	ErrClosed         = errors.New("capture pipeline closed")
)

// PermissionError means the operating system refused access to the input device.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone access denied for %q: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func (e *PermissionError) Remediation() string {
	return "Grant this program microphone access in the system privacy settings, then start again."
}

// DeviceNotFoundError means no usable input device exists.
type DeviceNotFoundError struct {
	Device string
	Err    error
}

func (e *DeviceNotFoundError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("no input device available: %v", e.Err)
	}
	return fmt.Sprintf("input device %q not found: %v", e.Device, e.Err)
}

func (e *DeviceNotFoundError) Unwrap() error { return e.Err }

func (e *DeviceNotFoundError) Remediation() string {
	return "Connect a microphone or pick another device with --device, then start again."
}

// PipelineInitError means the capture backend could not be loaded.
type PipelineInitError struct {
	Cause InitCause
	Err   error
}

func (e *PipelineInitError) Error() string {
	return fmt.Sprintf("capture pipeline init failed (%s): %v", e.Cause, e.Err)
}

func (e *PipelineInitError) Unwrap() error { return e.Err }

func (e *PipelineInitError) Remediation() string {
	switch e.Cause {
	case CauseNetwork, CauseMissingFile:
		return "The audio source could not be reached. Check the path or location and try again."
	case CauseSyntax:
		return "The audio source is not in a supported format (16-bit PCM WAV or a live device)."
	case CauseAborted:
		return "Initialisation was cancelled. Start again."
	default:
		return "Restart the program. If the problem persists, run with ZEROLOG_LOG_LEVEL=debug."
	}
}

// Remediation returns user-facing remediation text for a capture error, or
// the empty string for errors that are not capture errors.
func Remediation(err error) string {
	var r interface{ Remediation() string }
	if errors.As(err, &r) {
		return r.Remediation()
	}
	return ""
}

// IsFatal reports whether err is one of the session-fatal capture errors.
func IsFatal(err error) bool {
	var (
		perm *PermissionError
		nf   *DeviceNotFoundError
		ini  *PipelineInitError
	)
	return errors.As(err, &perm) || errors.As(err, &nf) || errors.As(err, &ini)
}
