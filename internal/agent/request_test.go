// ABOUTME: Tests for correlated request/response handling on a connection.
// ABOUTME: Covers chunk accumulation, buffer limits, timeouts, and disconnects.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kilnhost/kiln/internal/protocol"
)

// dispatchRequest starts a RequestWithResponse in the background and returns
// the correlation id the manager put on the wire.
func dispatchRequest(t *testing.T, m *Manager, sock *mockSocket, opts RequestOptions) (string, chan result) {
	t.Helper()

	out := make(chan result, 1)
	go func() {
		data, err := m.RequestWithResponse(context.Background(), "n1",
			protocol.Command{Type: protocol.KindDownloadBackup, ServerID: "s1", BackupPath: "/b.tar.gz"},
			opts)
		out <- result{data, err}
	}()

	frame := sock.waitFrame(t, 1)
	var cmd protocol.Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		t.Fatalf("command frame is not json: %v", err)
	}
	if cmd.CorrelationID == "" {
		t.Fatal("dispatched request has no correlation id")
	}
	return cmd.CorrelationID, out
}

type result struct {
	data []byte
	err  error
}

func TestRequestResolvesWithChunkedResponse(t *testing.T) {
	m := newTestManager(Options{})
	conn, sock := connect(t, m, "n1")

	id, out := dispatchRequest(t, m, sock, RequestOptions{MaxBytes: 1 << 20, Timeout: 5 * time.Second})

	chunks := [][]byte{
		bytes.Repeat([]byte{'a'}, 1024),
		bytes.Repeat([]byte{'b'}, 1024),
		bytes.Repeat([]byte{'c'}, 512),
	}
	for _, chunk := range chunks[:2] {
		conn.HandleResponse(protocol.Response{CorrelationID: id, Bytes: chunk})
	}
	conn.HandleResponse(protocol.Response{CorrelationID: id, Bytes: chunks[2], Final: true})

	res := <-out
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	want := bytes.Join(chunks, nil)
	if !bytes.Equal(res.data, want) {
		t.Fatalf("expected %d accumulated bytes in arrival order, got %d", len(want), len(res.data))
	}
	if conn.pendingCount() != 0 {
		t.Error("resolved request still present in the table")
	}
}

func TestRequestRejectsOnFirstOversizedChunk(t *testing.T) {
	m := newTestManager(Options{})
	conn, sock := connect(t, m, "n1")

	id, out := dispatchRequest(t, m, sock, RequestOptions{MaxBytes: 1000, Timeout: 5 * time.Second})

	conn.HandleResponse(protocol.Response{CorrelationID: id, Bytes: bytes.Repeat([]byte{'x'}, 800)})
	// This chunk would push the buffer past the ceiling: rejection must be
	// immediate, not deferred to the final frame.
	conn.HandleResponse(protocol.Response{CorrelationID: id, Bytes: bytes.Repeat([]byte{'x'}, 800)})

	res := <-out
	var limitErr *BufferLimitError
	if !errors.As(res.err, &limitErr) {
		t.Fatalf("expected BufferLimitError, got %v", res.err)
	}
	if limitErr.CurrentMaxBufferMB != 1 || limitErr.RecommendedMaxBufferMB != 2 {
		t.Errorf("unexpected limits: %+v", limitErr)
	}
	if conn.pendingCount() != 0 {
		t.Error("rejected request still present in the table")
	}

	// Further chunks for the rejected id are discarded, never buffered.
	conn.HandleResponse(protocol.Response{CorrelationID: id, Bytes: bytes.Repeat([]byte{'x'}, 800), Final: true})
	if conn.pendingCount() != 0 {
		t.Error("discarded chunk re-created a table entry")
	}
}

func TestRequestLimitMegabytes(t *testing.T) {
	err := newBufferLimitError(50 << 20)
	if err.CurrentMaxBufferMB != 50 || err.RecommendedMaxBufferMB != 100 {
		t.Errorf("unexpected limits for 50MB ceiling: %+v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	m := newTestManager(Options{})
	conn, sock := connect(t, m, "n1")

	id, out := dispatchRequest(t, m, sock, RequestOptions{Timeout: 50 * time.Millisecond})

	res := <-out
	if !errors.Is(res.err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", res.err)
	}
	if conn.pendingCount() != 0 {
		t.Error("timed-out request still present in the table")
	}

	// A late response finds no entry and is discarded.
	conn.HandleResponse(protocol.Response{CorrelationID: id, Bytes: []byte("late"), Final: true})
	if conn.pendingCount() != 0 {
		t.Error("late response re-created a table entry")
	}
}

func TestRequestFailsOnDisconnect(t *testing.T) {
	m := newTestManager(Options{})
	conn, sock := connect(t, m, "n1")

	_, out := dispatchRequest(t, m, sock, RequestOptions{Timeout: 5 * time.Second})

	conn.Close()

	res := <-out
	if !errors.Is(res.err, ErrNodeDisconnected) {
		t.Fatalf("expected ErrNodeDisconnected, got %v", res.err)
	}
}

func TestRequestCancelledByContext(t *testing.T) {
	m := newTestManager(Options{})
	conn, sock := connect(t, m, "n1")

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan result, 1)
	go func() {
		data, err := m.RequestWithResponse(ctx, "n1",
			protocol.Command{Type: protocol.KindDownloadBackup, ServerID: "s1", BackupPath: "/b.tar.gz"},
			RequestOptions{Timeout: 5 * time.Second})
		out <- result{data, err}
	}()
	sock.waitFrame(t, 1)

	cancel()

	res := <-out
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
	if conn.pendingCount() != 0 {
		t.Error("cancelled request still present in the table")
	}
}

func TestRequestAgainstOfflineNode(t *testing.T) {
	m := newTestManager(Options{})
	_, err := m.RequestWithResponse(context.Background(), "n-offline",
		protocol.Command{Type: protocol.KindDownloadBackup, ServerID: "s1"}, RequestOptions{})
	if !errors.Is(err, ErrNodeDisconnected) {
		t.Fatalf("expected ErrNodeDisconnected, got %v", err)
	}
}

func TestRequestAgentReportedError(t *testing.T) {
	m := newTestManager(Options{})
	conn, sock := connect(t, m, "n1")

	id, out := dispatchRequest(t, m, sock, RequestOptions{Timeout: 5 * time.Second})

	conn.HandleResponse(protocol.Response{CorrelationID: id, Error: "no such archive"})

	res := <-out
	var remote *RemoteError
	if !errors.As(res.err, &remote) {
		t.Fatalf("expected RemoteError, got %v", res.err)
	}
	if remote.Message != "no such archive" {
		t.Errorf("unexpected message: %q", remote.Message)
	}
}
