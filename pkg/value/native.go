package value

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FromNative converts plain Go data (as produced by encoding/json, yaml.v3
// or MCP payloads) into a Value. Map keys become strings.
func FromNative(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Nil{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		return Int(int64(v)), nil
	case float32:
		return Float(v), nil
	case float64:
		return Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	case string:
		return String(v), nil
	case time.Time:
		return Timestamp(v.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		out := make(Vector, len(v))
		for i, item := range v {
			conv, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case []string:
		out := make(Vector, len(v))
		for i, item := range v {
			out[i] = String(item)
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(v))
		for k, item := range v {
			conv, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			out[StringKey(k)] = conv
		}
		return out, nil
	case map[any]any:
		out := make(Map, len(v))
		for k, item := range v {
			conv, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			out[StringKey(fmt.Sprint(k))] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value: unsupported native type %T", x)
	}
}

// ToNative converts a Value into plain Go data suitable for JSON encoding.
// Keywords and symbols become strings; map keys are rendered as strings.
func ToNative(v Value) any {
	switch x := OrNil(v).(type) {
	case Nil:
		return nil
	case Bool:
		return bool(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case String:
		return string(x)
	case Keyword:
		return string(x)
	case Symbol:
		return string(x)
	case Timestamp:
		return string(x)
	case UUID:
		return string(x)
	case ResourceHandle:
		return string(x)
	case Vector:
		return nativeSeq(x)
	case List:
		return nativeSeq(x)
	case Map:
		out := make(map[string]any, len(x))
		for k, item := range x {
			if k.Kind == KindInt {
				out[fmt.Sprint(k.Int)] = ToNative(item)
				continue
			}
			out[k.Str] = ToNative(item)
		}
		return out
	case *Error:
		return map[string]any{"error": x.Message, "code": x.Code}
	case Function:
		return x.Name()
	default:
		return v.String()
	}
}

func nativeSeq(items []Value) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = ToNative(item)
	}
	return out
}

// NativeKeys returns the keys of a native map in sorted order.
func NativeKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
