// Package agent provides the agent execution abstraction layer.
//
// errors.go - Error taxonomy for agent sessions
//
// This file contains:
// - TimeoutError for overall and idle deadlines
// - CancelledError for caller-initiated cancellation
// - ProtocolError for malformed or failed RPC exchanges
// - ProcessError for spawn failures, non-zero exits and signals
//
// Every session failure is exactly one of these types. Callers inspect them
// with errors.As; none of them are retried inside the session.

package agent

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutKind identifies which deadline fired
type TimeoutKind string

const (
	TimeoutOverall TimeoutKind = "overall"
	TimeoutIdle    TimeoutKind = "idle"
)

// TimeoutError reports that a session deadline fired
type TimeoutError struct {
	Kind  TimeoutKind
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timeout after %s", e.Kind, e.After)
}

// CancelledError reports that the caller cancelled the session
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent session cancelled: %v", e.Cause)
	}
	return "agent session cancelled"
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// ProtocolError reports a malformed or failed protocol exchange
type ProtocolError struct {
	Method string // RPC method involved, if any
	Code   int    // JSON-RPC error code, 0 when not an RPC error response
	Msg    string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Method != "" && e.Code != 0:
		return fmt.Sprintf("agent protocol error: %s: %s (code %d)", e.Method, msg, e.Code)
	case e.Method != "":
		return fmt.Sprintf("agent protocol error: %s: %s", e.Method, msg)
	default:
		return "agent protocol error: " + msg
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ProcessError reports a spawn failure or abnormal process exit
type ProcessError struct {
	ExitCode int    // -1 when the process never started or was signalled
	Signal   string // terminating signal name, if any
	Stderr   string // bounded stderr tail
	Err      error
}

func (e *ProcessError) Error() string {
	var msg string
	switch {
	case e.Signal != "":
		msg = "agent process terminated by signal: " + e.Signal
	case e.ExitCode > 0:
		msg = fmt.Sprintf("agent process exited with code %d", e.ExitCode)
	case e.Err != nil:
		msg = "agent process failed: " + e.Err.Error()
	default:
		msg = "agent process failed"
	}
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a TimeoutError and returns its kind
func IsTimeout(err error) (TimeoutKind, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// IsCancelled reports whether err is a CancelledError
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// Outcome maps a Run error to a short metrics/log label
func Outcome(err error) string {
	if err == nil {
		return "completed"
	}
	var (
		te *TimeoutError
		ce *CancelledError
		pe *ProtocolError
		xe *ProcessError
	)
	switch {
	case errors.As(err, &te):
		return "timeout_" + string(te.Kind)
	case errors.As(err, &ce):
		return "cancelled"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.As(err, &xe):
		return "process_error"
	default:
		return "failed"
	}
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r' || s[end-1] == ' ') {
		end--
	}
	s = s[:end]
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
