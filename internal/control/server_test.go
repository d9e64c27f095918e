package control

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

type fakeHandler struct {
	calls []string
}

func (f *fakeHandler) HandleCommand(cmd Command) CommandResult {
	f.calls = append(f.calls, cmd.Name)
	if cmd.Name == CommandSave {
		return CommandResult{CommandID: cmd.CommandID, Status: "ok"}
	}
	return CommandResult{CommandID: cmd.CommandID, Status: "ok"}
}

func TestServerDispatchesSaveCommand(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "shadowrecd.sock")
	handler := &fakeHandler{}
	srv := NewServer(sockPath, handler)

	go func() {
		_ = srv.Serve()
	}()
	defer srv.Close()

	waitForSocket(t, sockPath)

	netConn := dialUnix(t, sockPath)
	defer netConn.Close()
	conn := NewConn(netConn)

	payload, _ := json.Marshal(Command{CommandID: "c-1", Name: CommandSave})
	if err := conn.Send(&Envelope{ID: "e-1", Type: TypeCommand, Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}

	netConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Type != TypeCommandResult {
		t.Fatalf("expected command_result, got %s", resp.Type)
	}

	var result CommandResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("expected status ok, got %s", result.Status)
	}
	if len(handler.calls) != 1 || handler.calls[0] != CommandSave {
		t.Fatalf("expected handler invoked once with save, got %v", handler.calls)
	}
}

func TestServerRespondsToPing(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "shadowrecd.sock")
	srv := NewServer(sockPath, &fakeHandler{})
	go func() { _ = srv.Serve() }()
	defer srv.Close()

	waitForSocket(t, sockPath)

	netConn := dialUnix(t, sockPath)
	defer netConn.Close()
	conn := NewConn(netConn)

	if err := conn.Send(&Envelope{ID: "ping-1", Type: TypePing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	netConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Type != TypePong {
		t.Fatalf("expected pong, got %s", resp.Type)
	}
}
