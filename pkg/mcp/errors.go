package mcp

import (
	"fmt"
	"time"
)

// LaunchError means the tool server subprocess could not start.
// It is fatal for the session and is never retried.
type LaunchError struct {
	Server string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch tool server %q: %v", e.Server, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProtocolError means the far end sent something the client could not
// interpret, or the stream ended mid-conversation. Recovery is a full
// reconnect; a session that produced a ProtocolError must not be reused
// without a new handshake.
type ProtocolError struct {
	Server string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on server %q: %s", e.Server, e.Reason)
}

// TimeoutError means no matching reply arrived within the deadline.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q to server %q timed out after %s", e.Method, e.Server, e.Timeout)
}

// RemoteError carries an error object signalled by the tool server itself.
// This is the one error kind that feeds the query agent's refinement loop.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tool server error (%d): %s", e.Code, e.Message)
}

// UnknownToolError means the tool name is not in the discovered set.
type UnknownToolError struct {
	Server string
	Tool   string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q not found on server %q", e.Tool, e.Server)
}

// MalformedIDError means a qualified tool id lacked the server:tool separator.
type MalformedIDError struct {
	ID string
}

func (e *MalformedIDError) Error() string {
	return fmt.Sprintf("malformed tool id %q: expected \"server:tool\"", e.ID)
}

// NotConnectedError means no connected client exists for the server name.
type NotConnectedError struct {
	Server string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("server %q is not connected", e.Server)
}
