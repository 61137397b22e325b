package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gofer/internal/terminal"
)

// TerminalTools exposes the session manager to the model as a small family
// of tools. Each one is a thin adapter; the manager owns all process state.
func TerminalTools(mgr *terminal.Manager) []Tool {
	return []Tool{
		&ExecuteCommandTool{mgr: mgr},
		&StartSessionTool{mgr: mgr},
		&SendInputTool{mgr: mgr},
		&SendKeyTool{mgr: mgr},
		&ReadOutputTool{mgr: mgr},
		&StopSessionTool{mgr: mgr},
	}
}

type ExecuteCommandTool struct {
	mgr *terminal.Manager
}

func (*ExecuteCommandTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "execute_command",
			Description: "Run a shell command. Foreground runs capture stdout/stderr and the exit code; background runs detach and return the PID immediately.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Shell command line to run.",
					},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "Seconds before a foreground command is killed (default from config).",
					},
					"background": map[string]any{
						"type":        "boolean",
						"description": "Detach and return immediately with the PID (default false).",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *ExecuteCommandTool) Call(ctx context.Context, args map[string]any) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return "", errors.New("command is required")
	}
	timeout := time.Duration(intArg(args, "timeout_seconds", 0)) * time.Second
	background := boolArg(args, "background", false)

	result, err := t.mgr.Execute(ctx, command, timeout, background)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type StartSessionTool struct {
	mgr *terminal.Manager
}

func (*StartSessionTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "start_session",
			Description: "Start a named interactive terminal session running a command. Starting a session under an existing name terminates the old one first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_name": map[string]any{
						"type":        "string",
						"description": "Name for the session (default \"main\").",
					},
					"command": map[string]any{
						"type":        "string",
						"description": "Command to run inside the session.",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *StartSessionTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return "", errors.New("command is required")
	}
	name := sessionNameArg(args)
	if err := t.mgr.StartInteractive(name, command); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %q started: %s", sessionLabel(name), command), nil
}

type SendInputTool struct {
	mgr *terminal.Manager
}

func (*SendInputTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "send_input",
			Description: "Send a line of input to an interactive session and return the output produced in response.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_name": map[string]any{
						"type":        "string",
						"description": "Target session (default \"main\").",
					},
					"input": map[string]any{
						"type":        "string",
						"description": "Text to send. A newline is appended automatically.",
					},
				},
				"required": []string{"input"},
			},
		},
	}
}

func (t *SendInputTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	input, ok := stringArg(args, "input")
	if !ok {
		return "", errors.New("input is required")
	}
	output, err := t.mgr.Send(sessionNameArg(args), input)
	if err != nil {
		return "", err
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

type SendKeyTool struct {
	mgr *terminal.Manager
}

func (*SendKeyTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "send_key",
			Description: "Send a special key to an interactive session. Keys: " + strings.Join(terminal.KeyNames(), ", ") + ".",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_name": map[string]any{
						"type":        "string",
						"description": "Target session (default \"main\").",
					},
					"key": map[string]any{
						"type":        "string",
						"description": "Key name, e.g. enter, tab, up, ctrl+c.",
					},
				},
				"required": []string{"key"},
			},
		},
	}
}

func (t *SendKeyTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	key, ok := stringArg(args, "key")
	if !ok || key == "" {
		return "", errors.New("key is required")
	}
	name := sessionNameArg(args)
	if err := t.mgr.SendKey(name, key); err != nil {
		return "", err
	}
	return fmt.Sprintf("Sent %s to session %q", strings.ToLower(strings.TrimSpace(key)), sessionLabel(name)), nil
}

type ReadOutputTool struct {
	mgr *terminal.Manager
}

func (*ReadOutputTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "read_output",
			Description: "Read output buffered since the last read from an interactive session.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_name": map[string]any{
						"type":        "string",
						"description": "Target session (default \"main\").",
					},
					"clear": map[string]any{
						"type":        "boolean",
						"description": "Clear the buffer after reading (default true).",
					},
				},
			},
		},
	}
}

func (t *ReadOutputTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	output, err := t.mgr.Read(sessionNameArg(args), boolArg(args, "clear", true))
	if err != nil {
		return "", err
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

type StopSessionTool struct {
	mgr *terminal.Manager
}

func (*StopSessionTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "stop_session",
			Description: "Stop an interactive session and release its process.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_name": map[string]any{
						"type":        "string",
						"description": "Target session (default \"main\").",
					},
				},
			},
		},
	}
}

func (t *StopSessionTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	name := sessionNameArg(args)
	if err := t.mgr.Stop(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %q stopped", sessionLabel(name)), nil
}

func sessionNameArg(args map[string]any) string {
	name, _ := stringArg(args, "session_name")
	return strings.TrimSpace(name)
}

func sessionLabel(name string) string {
	if name == "" {
		return terminal.DefaultSessionName
	}
	return name
}
