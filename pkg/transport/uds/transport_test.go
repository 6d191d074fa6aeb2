package uds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startServer runs srv until the test ends and waits for the socket.
func startServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server")
	}
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPingRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, testLogger())
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true, Version: "v0.3.0"}, nil
	})
	startServer(t, srv)

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode: got %o, want 600", perm)
	}

	client := dial(t, sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pong PingResponse
	if err := client.Call(ctx, MethodPing, nil, &pong); err != nil {
		t.Fatalf("ping request: %v", err)
	}
	if !pong.Pong || pong.Version != "v0.3.0" {
		t.Errorf("got %+v", pong)
	}
}

func TestRequestPayload(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, testLogger())
	srv.Handle(MethodHistory, func(_ context.Context, req Message) (any, error) {
		var hr HistoryRequest
		if err := req.Decode(&hr); err != nil {
			return nil, err
		}
		return hr, nil
	})
	startServer(t, srv)

	client := dial(t, sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var echo HistoryRequest
	if err := client.Call(ctx, MethodHistory, HistoryRequest{Limit: 5, Device: "laptop"}, &echo); err != nil {
		t.Fatal(err)
	}
	if echo.Limit != 5 || echo.Device != "laptop" {
		t.Errorf("got %+v", echo)
	}

	// Missing payload surfaces the handler error.
	if _, err := client.Request(ctx, MethodHistory, nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestUnknownMethod(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, testLogger())
	startServer(t, srv)

	client := dial(t, sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Request(ctx, "NoSuchMethod", nil); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestHandlerError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, testLogger())
	srv.Handle(MethodStatus, func(context.Context, Message) (any, error) {
		return nil, errors.New("no engines")
	})
	startServer(t, srv)

	client := dial(t, sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, MethodStatus, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp.Error != "no engines" {
		t.Errorf("error: got %q", resp.Error)
	}
}

func TestBroadcastEvent(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, testLogger())
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	startServer(t, srv)

	client := dial(t, sock)
	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) {
		evtCh <- msg
	})

	// Ensure connection is registered by doing a ping first
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if n := srv.Clients(); n != 1 {
		t.Errorf("clients: got %d, want 1", n)
	}

	evt, _ := NewEvent(EventActivation, map[string]string{"event": "attributed"})
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventActivation {
			t.Errorf("expected method %s, got %s", EventActivation, msg.Method)
		}
		var payload map[string]string
		if err := msg.Decode(&payload); err != nil || payload["event"] != "attributed" {
			t.Errorf("payload: got %v, err %v", payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestClientDoneOnServerShutdown(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, testLogger())
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	startServer(t, srv)

	client := dial(t, sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	srv.Shutdown()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not notified of closed connection")
	}
	if _, err := client.Request(ctx, MethodPing, nil); err == nil {
		t.Error("expected error after shutdown")
	}
}
