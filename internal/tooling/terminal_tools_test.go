//go:build !windows

package tooling

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gofer/internal/terminal"
)

func testTerminalTools(t *testing.T) map[string]Tool {
	t.Helper()
	mgr := terminal.NewManager(t.TempDir(), 10*time.Second)
	t.Cleanup(mgr.StopAll)
	tools := map[string]Tool{}
	for _, tool := range TerminalTools(mgr) {
		tools[tool.Definition().Function.Name] = tool
	}
	return tools
}

func TestExecuteCommandToolCapturesResult(t *testing.T) {
	tools := testTerminalTools(t)

	out, err := tools["execute_command"].Call(context.Background(), map[string]any{
		"command": "printf hello",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result terminal.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Stdout != "hello" || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteCommandToolBackground(t *testing.T) {
	tools := testTerminalTools(t)

	out, err := tools["execute_command"].Call(context.Background(), map[string]any{
		"command":    "sleep 2",
		"background": true,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result terminal.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Background || result.PID <= 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestSessionToolsRoundtrip(t *testing.T) {
	tools := testTerminalTools(t)

	if _, err := tools["start_session"].Call(context.Background(), map[string]any{
		"session_name": "repl",
		"command":      "cat",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := tools["send_input"].Call(context.Background(), map[string]any{
		"session_name": "repl",
		"input":        "ping",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "ping") {
		t.Fatalf("echo missing: %q", out)
	}

	if _, err := tools["stop_session"].Call(context.Background(), map[string]any{
		"session_name": "repl",
	}); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSendKeyToolRejectsUnknownKey(t *testing.T) {
	tools := testTerminalTools(t)

	if _, err := tools["start_session"].Call(context.Background(), map[string]any{
		"session_name": "keys",
		"command":      "cat",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tools["stop_session"].Call(context.Background(), map[string]any{"session_name": "keys"})

	if _, err := tools["send_key"].Call(context.Background(), map[string]any{
		"session_name": "keys",
		"key":          "pageup",
	}); err == nil {
		t.Fatal("unknown key should fail")
	}
}

func TestReadOutputUnknownSessionFails(t *testing.T) {
	tools := testTerminalTools(t)
	if _, err := tools["read_output"].Call(context.Background(), map[string]any{
		"session_name": "ghost",
	}); err == nil {
		t.Fatal("unknown session should fail")
	}
}
