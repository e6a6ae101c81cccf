// ABOUTME: Pending request bookkeeping and the dispatcher's error taxonomy.
// ABOUTME: A pending request settles exactly once: response, timeout, or close.

package agent

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// Dispatch and request errors. Fire-and-forget dispatch surfaces failure as
// a boolean; correlated requests surface these typed errors so callers can
// tell "try again later" from "payload too large".
var (
	// ErrNodeDisconnected reports that no live agent connection exists for
	// the node, or that the connection went away before the request settled.
	ErrNodeDisconnected = errors.New("node agent disconnected")

	// ErrRequestTimeout reports that no final response arrived in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed reports a write against a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull reports that the connection's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// BufferLimitError reports a binary response that exceeded the configured
// ceiling. It carries the current and a recommended limit in whole megabytes
// for operator-facing messaging.
type BufferLimitError struct {
	CurrentMaxBufferMB     int64
	RecommendedMaxBufferMB int64
}

func (e *BufferLimitError) Error() string {
	return fmt.Sprintf("response exceeded the %d MB buffer limit (raise gateway.max_response_buffer to %d MB to allow it)",
		e.CurrentMaxBufferMB, e.RecommendedMaxBufferMB)
}

func newBufferLimitError(maxBytes int64) *BufferLimitError {
	mb := maxBytes >> 20
	if mb < 1 {
		mb = 1
	}
	return &BufferLimitError{CurrentMaxBufferMB: mb, RecommendedMaxBufferMB: mb * 2}
}

// RemoteError reports a failure the agent itself returned for a request,
// e.g. a backup archive that no longer exists on the host.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "agent error: " + e.Message
}

// RequestOptions tunes one correlated request. Zero values fall back to the
// manager's configured defaults.
type RequestOptions struct {
	// MaxBytes bounds the accumulated response buffer. The limit is checked
	// per chunk, so memory stays bounded even for oversized transfers.
	MaxBytes int64

	// Timeout bounds the wait for the final response frame.
	Timeout time.Duration
}

// pendingRequest tracks one correlated request on its owning connection.
// All mutation happens under the connection's lock; done is closed exactly
// once, when the request settles.
type pendingRequest struct {
	id        string
	maxBytes  int64
	createdAt time.Time

	buf     bytes.Buffer
	settled bool
	result  []byte
	err     error
	done    chan struct{}
}

func newPendingRequest(id string, maxBytes int64) *pendingRequest {
	return &pendingRequest{
		id:        id,
		maxBytes:  maxBytes,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}
