package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Tagged wraps a Value so it round-trips through JSON without losing its
// variant: every value is encoded as {"t": tag, "v": payload}. Floats are
// carried as strings so NaN and infinities survive. Text that is not valid
// UTF-8 is carried as base64 bytes in "b" instead of "v".
type Tagged struct {
	Value Value
}

type taggedWire struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
	B []byte          `json:"b,omitempty"`
}

type mapEntryWire struct {
	K Tagged `json:"k"`
	V Tagged `json:"v"`
}

type errorWire struct {
	Message    string   `json:"message"`
	Code       string   `json:"code,omitempty"`
	StackTrace []string `json:"trace,omitempty"`
}

const (
	tagNil       = "nil"
	tagBool      = "bool"
	tagInt       = "int"
	tagFloat     = "float"
	tagString    = "str"
	tagKeyword   = "kw"
	tagSymbol    = "sym"
	tagTimestamp = "inst"
	tagUUID      = "uuid"
	tagResource  = "res"
	tagVector    = "vec"
	tagList      = "list"
	tagMap       = "map"
	tagError     = "err"
	tagFunction  = "fn"
)

// MarshalJSON implements json.Marshaler.
func (t Tagged) MarshalJSON() ([]byte, error) {
	var (
		tag     string
		payload any
	)
	switch x := OrNil(t.Value).(type) {
	case Nil:
		return json.Marshal(taggedWire{T: tagNil})
	case Bool:
		tag, payload = tagBool, bool(x)
	case Int:
		tag, payload = tagInt, int64(x)
	case Float:
		tag, payload = tagFloat, strconv.FormatFloat(float64(x), 'g', -1, 64)
	case String:
		tag, payload = tagString, string(x)
	case Keyword:
		tag, payload = tagKeyword, string(x)
	case Symbol:
		tag, payload = tagSymbol, string(x)
	case Timestamp:
		tag, payload = tagTimestamp, string(x)
	case UUID:
		tag, payload = tagUUID, string(x)
	case ResourceHandle:
		tag, payload = tagResource, string(x)
	case Vector:
		tag, payload = tagVector, wrapAll(x)
	case List:
		tag, payload = tagList, wrapAll(x)
	case Map:
		entries := make([]mapEntryWire, 0, len(x))
		for _, k := range x.SortedKeys() {
			entries = append(entries, mapEntryWire{K: Tagged{k.Value()}, V: Tagged{x[k]}})
		}
		tag, payload = tagMap, entries
	case *Error:
		if x == nil {
			return json.Marshal(taggedWire{T: tagNil})
		}
		tag, payload = tagError, errorWire{Message: x.Message, Code: x.Code, StackTrace: x.StackTrace}
	case Function:
		tag, payload = tagFunction, x.Name()
	default:
		return nil, fmt.Errorf("value: cannot encode %T", t.Value)
	}
	if text, ok := payload.(string); ok && !utf8.ValidString(text) {
		return json.Marshal(taggedWire{T: tag, B: []byte(text)})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedWire{T: tag, V: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tagged) UnmarshalJSON(data []byte) error {
	var w taggedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v, err := decodeWire(w)
	if err != nil {
		return err
	}
	t.Value = v
	return nil
}

func decodeWire(w taggedWire) (Value, error) {
	switch w.T {
	case tagNil:
		return Nil{}, nil
	case tagBool:
		var b bool
		err := json.Unmarshal(w.V, &b)
		return Bool(b), err
	case tagInt:
		var i int64
		err := json.Unmarshal(w.V, &i)
		return Int(i), err
	case tagFloat:
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 64)
		return Float(f), err
	case tagString, tagKeyword, tagSymbol, tagTimestamp, tagUUID, tagResource, tagFunction:
		var s string
		if w.B != nil {
			s = string(w.B)
		} else if err := json.Unmarshal(w.V, &s); err != nil {
			return nil, err
		}
		switch w.T {
		case tagString:
			return String(s), nil
		case tagKeyword:
			return Keyword(s), nil
		case tagSymbol:
			return Symbol(s), nil
		case tagTimestamp:
			return Timestamp(s), nil
		case tagUUID:
			return UUID(s), nil
		case tagResource:
			return ResourceHandle(s), nil
		default:
			return FuncRef{Ref: s}, nil
		}
	case tagVector, tagList:
		var items []Tagged
		if err := json.Unmarshal(w.V, &items); err != nil {
			return nil, err
		}
		out := unwrapAll(items)
		if w.T == tagList {
			return List(out), nil
		}
		return Vector(out), nil
	case tagMap:
		var entries []mapEntryWire
		if err := json.Unmarshal(w.V, &entries); err != nil {
			return nil, err
		}
		m := make(Map, len(entries))
		for _, e := range entries {
			k, ok := KeyOf(e.K.Value)
			if !ok {
				return nil, fmt.Errorf("value: invalid map key of kind %s", OrNil(e.K.Value).Kind())
			}
			m[k] = OrNil(e.V.Value)
		}
		return m, nil
	case tagError:
		var ew errorWire
		if err := json.Unmarshal(w.V, &ew); err != nil {
			return nil, err
		}
		return &Error{Message: ew.Message, Code: ew.Code, StackTrace: ew.StackTrace}, nil
	default:
		return nil, fmt.Errorf("value: unknown tag %q", w.T)
	}
}

func wrapAll(items []Value) []Tagged {
	out := make([]Tagged, len(items))
	for i, item := range items {
		out[i] = Tagged{Value: item}
	}
	return out
}

func unwrapAll(items []Tagged) []Value {
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = OrNil(item.Value)
	}
	return out
}

// Encode serializes a single value.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(Tagged{Value: v})
}

// Decode parses a value produced by Encode.
func Decode(data []byte) (Value, error) {
	var t Tagged
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return OrNil(t.Value), nil
}
