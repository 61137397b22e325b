package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"

	"gofer/internal/tooling"
)

// fileOptions is the Starlark dialect the tool scripts are written in.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// SchemaResult is the outcome of schema extraction: either a definition and
// the strategy that produced it, or Known=false when no strategy applied.
type SchemaResult struct {
	Definition tooling.ToolDefinition
	Known      bool
	Strategy   string
}

var (
	assignPattern   = regexp.MustCompile(`(\w+_SCHEMA)\s*=\s*\{`)
	registerPattern = regexp.MustCompile(`register_tool\s*\(\s*["'](\w+)["']\s*,\s*\w+\s*,\s*\{`)
)

// ExtractSchema pulls a tool definition out of script source without
// executing it. Three strategies run in order; the first hit wins. All
// failing is not an error: the tool still loads, it just advertises a
// placeholder until then.
func ExtractSchema(name, source string) SchemaResult {
	if def, ok := schemaFromAST(name, source); ok {
		return SchemaResult{Definition: def, Known: true, Strategy: "ast"}
	}
	if def, ok := schemaFromAssignment(name, source); ok {
		return SchemaResult{Definition: def, Known: true, Strategy: "assignment"}
	}
	if def, ok := schemaFromRegisterCall(name, source); ok {
		return SchemaResult{Definition: def, Known: true, Strategy: "register-call"}
	}
	return SchemaResult{Known: false}
}

// schemaFromAST parses the whole file and literal-evaluates the first
// top-level `X_SCHEMA = {...}` assignment.
func schemaFromAST(name, source string) (tooling.ToolDefinition, bool) {
	file, err := fileOptions.Parse(name+".star", source, 0)
	if err != nil {
		return tooling.ToolDefinition{}, false
	}
	for _, stmt := range file.Stmts {
		assign, ok := stmt.(*syntax.AssignStmt)
		if !ok || assign.Op != syntax.EQ {
			continue
		}
		ident, ok := assign.LHS.(*syntax.Ident)
		if !ok || !strings.HasSuffix(ident.Name, "_SCHEMA") {
			continue
		}
		value, err := evalLiteral(assign.RHS)
		if err != nil {
			continue
		}
		if def, ok := definitionFromValue(name, value); ok {
			return def, true
		}
	}
	return tooling.ToolDefinition{}, false
}

// schemaFromAssignment regex-locates `X_SCHEMA = {` and brace-scans the dict
// even when the rest of the file does not parse.
func schemaFromAssignment(name, source string) (tooling.ToolDefinition, bool) {
	loc := assignPattern.FindStringIndex(source)
	if loc == nil {
		return tooling.ToolDefinition{}, false
	}
	return definitionFromBraceBlock(name, source[loc[1]-1:])
}

// schemaFromRegisterCall handles schemas passed inline to register_tool.
func schemaFromRegisterCall(name, source string) (tooling.ToolDefinition, bool) {
	loc := registerPattern.FindStringIndex(source)
	if loc == nil {
		return tooling.ToolDefinition{}, false
	}
	return definitionFromBraceBlock(name, source[loc[1]-1:])
}

func definitionFromBraceBlock(name, fromBrace string) (tooling.ToolDefinition, bool) {
	block, ok := scanBraces(fromBrace)
	if !ok {
		return tooling.ToolDefinition{}, false
	}
	expr, err := fileOptions.ParseExpr(name+".star", block, 0)
	if err != nil {
		return tooling.ToolDefinition{}, false
	}
	value, err := evalLiteral(expr)
	if err != nil {
		return tooling.ToolDefinition{}, false
	}
	return definitionFromValue(name, value)
}

// scanBraces returns the balanced {...} block starting at s[0], tolerating
// braces inside string literals.
func scanBraces(s string) (string, bool) {
	if len(s) == 0 || s[0] != '{' {
		return "", false
	}
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

var errNotLiteral = errors.New("expression is not a literal")

// evalLiteral evaluates a constant expression: strings, ints, floats,
// True/False/None, lists and dicts. Anything else fails the strategy.
func evalLiteral(expr syntax.Expr) (any, error) {
	switch e := expr.(type) {
	case *syntax.Literal:
		switch v := e.Value.(type) {
		case string:
			return v, nil
		case int64:
			return v, nil
		case float64:
			return v, nil
		default:
			return nil, fmt.Errorf("%w: literal %T", errNotLiteral, e.Value)
		}
	case *syntax.Ident:
		switch e.Name {
		case "True":
			return true, nil
		case "False":
			return false, nil
		case "None":
			return nil, nil
		}
		return nil, fmt.Errorf("%w: identifier %s", errNotLiteral, e.Name)
	case *syntax.UnaryExpr:
		if e.Op != syntax.MINUS && e.Op != syntax.PLUS {
			return nil, errNotLiteral
		}
		inner, err := evalLiteral(e.X)
		if err != nil {
			return nil, err
		}
		if e.Op == syntax.PLUS {
			return inner, nil
		}
		switch n := inner.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, errNotLiteral
	case *syntax.ParenExpr:
		return evalLiteral(e.X)
	case *syntax.ListExpr:
		out := make([]any, 0, len(e.List))
		for _, item := range e.List {
			v, err := evalLiteral(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *syntax.DictExpr:
		out := make(map[string]any, len(e.List))
		for _, entry := range e.List {
			pair, ok := entry.(*syntax.DictEntry)
			if !ok {
				return nil, errNotLiteral
			}
			key, err := evalLiteral(pair.Key)
			if err != nil {
				return nil, err
			}
			keyStr, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string dict key", errNotLiteral)
			}
			value, err := evalLiteral(pair.Value)
			if err != nil {
				return nil, err
			}
			out[keyStr] = value
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", errNotLiteral, expr)
}

// definitionFromValue shapes an extracted schema value into a tool
// definition. Full `{"type": "function", "function": {...}}` dicts pass
// through; bare function blocks get wrapped.
func definitionFromValue(name string, value any) (tooling.ToolDefinition, bool) {
	dict, ok := value.(map[string]any)
	if !ok {
		return tooling.ToolDefinition{}, false
	}
	if _, hasFunction := dict["function"]; !hasFunction {
		if _, hasParams := dict["parameters"]; !hasParams {
			return tooling.ToolDefinition{}, false
		}
		dict = map[string]any{"type": "function", "function": dict}
	}

	data, err := json.Marshal(dict)
	if err != nil {
		return tooling.ToolDefinition{}, false
	}
	var def tooling.ToolDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return tooling.ToolDefinition{}, false
	}
	if def.Type == "" {
		def.Type = "function"
	}
	if def.Function.Name == "" {
		def.Function.Name = name
	}
	if def.Function.Parameters == nil {
		def.Function.Parameters = emptyParameters()
	}
	return def, true
}

// placeholderDefinition is what a discovered-but-unloaded tool advertises.
func placeholderDefinition(name, category string) tooling.ToolDefinition {
	return tooling.ToolDefinition{
		Type: "function",
		Function: tooling.ToolFunction{
			Name:        name,
			Description: fmt.Sprintf("%s - Tool in %s category", titleWords(name), category),
			Parameters:  emptyParameters(),
		},
	}
}

func emptyParameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

// titleWords turns snake_case into Title Case for placeholder descriptions.
func titleWords(name string) string {
	words := strings.Split(name, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
