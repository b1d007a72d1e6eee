package stt

import (
	"errors"
	"fmt"
	"time"

	"ai-speech-live-client/internal/protocol"
)

var (
	ErrNotConnected = errors.New("transcription backend not connected")
	ErrClosed       = errors.New("transcription backend closed")
)

// ConnectionTimeoutError means the connection did not open in time. Callers
// may retry.
type ConnectionTimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to %s did not open within %v", e.URL, e.Timeout)
}

func (e *ConnectionTimeoutError) Unwrap() error { return e.Err }

// ServerBusyError is an advisory: the server queued the session.
type ServerBusyError struct {
	EstimatedWait time.Duration
}

func (e *ServerBusyError) Error() string {
	return fmt.Sprintf("server busy, estimated wait %v", e.EstimatedWait)
}

// ServerError is an error or warning reported by the server. Non-fatal.
type ServerError struct {
	Severity string
	Message  string
}

func (e *ServerError) Error() string {
	if e.Severity == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server %s: %s", e.Severity, e.Message)
}

// ReconnectExhaustedError means automatic reconnection stopped. A fresh
// credential must be supplied through Connect to resume.
type ReconnectExhaustedError struct {
	Attempts int
	// Rejected is true when the server refused the credential outright.
	Rejected bool
	Err      error
}

func (e *ReconnectExhaustedError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("credentials rejected, new credentials needed: %v", e.Err)
	}
	return fmt.Sprintf("reconnect failed after %d attempts, new credentials needed: %v", e.Attempts, e.Err)
}

func (e *ReconnectExhaustedError) Unwrap() error { return e.Err }

// StreamError means a backend stream broke and cannot continue.
type StreamError struct {
	Provider string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream failed: %v", e.Provider, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// CredentialsNeeded reports whether err asks the caller for a fresh credential.
func CredentialsNeeded(err error) bool {
	var re *ReconnectExhaustedError
	return errors.As(err, &re)
}

// IsFatal reports whether err ends the session. Timeouts, busy advisories,
// server messages and protocol errors are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		timeout *ConnectionTimeoutError
		busy    *ServerBusyError
		server  *ServerError
		proto   *protocol.ProtocolError
	)
	switch {
	case errors.As(err, &timeout), errors.As(err, &busy), errors.As(err, &server), errors.As(err, &proto):
		return false
	}
	var stream *StreamError
	return CredentialsNeeded(err) || errors.As(err, &stream) || errors.Is(err, ErrClosed)
}
