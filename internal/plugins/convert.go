package plugins

import (
	"fmt"

	"go.starlark.net/starlark"
)

// toStarlark converts the JSON-decoded argument types into Starlark values.
func toStarlark(v any) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case int:
		return starlark.MakeInt(v)
	case int64:
		return starlark.MakeInt64(v)
	case float64:
		// JSON numbers arrive as float64; keep integral ones as ints so
		// scripts can index and range with them.
		if v == float64(int64(v)) {
			return starlark.MakeInt64(int64(v))
		}
		return starlark.Float(v)
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			elems[i] = toStarlark(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		d := starlark.NewDict(len(v))
		for key, val := range v {
			d.SetKey(starlark.String(key), toStarlark(val))
		}
		return d
	default:
		return starlark.String(fmt.Sprintf("%v", v))
	}
}

// fromStarlark converts a Starlark value back into plain Go data.
func fromStarlark(v starlark.Value) any {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.String:
		return string(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, fromStarlark(v.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, fromStarlark(item))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, key := range v.Keys() {
			val, _, _ := v.Get(key)
			out[keyString(key)] = fromStarlark(val)
		}
		return out
	default:
		return v.String()
	}
}

func keyString(key starlark.Value) string {
	if s, ok := starlark.AsString(key); ok {
		return s
	}
	return key.String()
}
