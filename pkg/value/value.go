// Package value defines the values of the RTFS language as seen by the
// execution core. Beyond equality and serialization the core treats them as
// opaque.
package value

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies a Value variant.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindKeyword
	KindSymbol
	KindTimestamp
	KindUUID
	KindResource
	KindVector
	KindList
	KindMap
	KindError
	KindFunction
)

var kindNames = [...]string{
	KindNil:       "nil",
	KindBool:      "bool",
	KindInt:       "int",
	KindFloat:     "float",
	KindString:    "string",
	KindKeyword:   "keyword",
	KindSymbol:    "symbol",
	KindTimestamp: "timestamp",
	KindUUID:      "uuid",
	KindResource:  "resource",
	KindVector:    "vector",
	KindList:      "list",
	KindMap:       "map",
	KindError:     "error",
	KindFunction:  "function",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is any value of the interpreted language.
type Value interface {
	Kind() Kind
	String() string
}

// Function is implemented by callable values. Name is used when a function
// has to be persisted: only the name survives a checkpoint.
type Function interface {
	Value
	Name() string
}

type (
	Nil            struct{}
	Bool           bool
	Int            int64
	Float          float64
	String         string
	Keyword        string
	Symbol         string
	Timestamp      string
	UUID           string
	ResourceHandle string
	Vector         []Value
	List           []Value
	Map            map[MapKey]Value
)

// Error is the language-level error value. Host denials and failures are
// turned into Error values by the evaluator.
type Error struct {
	Message    string
	Code       string
	StackTrace []string
}

// FuncRef is a function restored from a checkpoint. It has a name but no
// body until the host rebinds it.
type FuncRef struct {
	Ref string
}

// Builtin is a pure Go function exposed to the language.
type Builtin struct {
	Ident string
	Fn    func(args []Value) (Value, error)
}

func (Nil) Kind() Kind            { return KindNil }
func (Bool) Kind() Kind           { return KindBool }
func (Int) Kind() Kind            { return KindInt }
func (Float) Kind() Kind          { return KindFloat }
func (String) Kind() Kind         { return KindString }
func (Keyword) Kind() Kind        { return KindKeyword }
func (Symbol) Kind() Kind         { return KindSymbol }
func (Timestamp) Kind() Kind      { return KindTimestamp }
func (UUID) Kind() Kind           { return KindUUID }
func (ResourceHandle) Kind() Kind { return KindResource }
func (Vector) Kind() Kind         { return KindVector }
func (List) Kind() Kind           { return KindList }
func (Map) Kind() Kind            { return KindMap }
func (*Error) Kind() Kind         { return KindError }
func (FuncRef) Kind() Kind        { return KindFunction }
func (*Builtin) Kind() Kind       { return KindFunction }

func (Nil) String() string              { return "nil" }
func (b Bool) String() string           { return strconv.FormatBool(bool(b)) }
func (i Int) String() string            { return strconv.FormatInt(int64(i), 10) }
func (f Float) String() string          { return strconv.FormatFloat(float64(f), 'g', -1, 64) }
func (s String) String() string         { return strconv.Quote(string(s)) }
func (k Keyword) String() string        { return ":" + string(k) }
func (s Symbol) String() string         { return string(s) }
func (t Timestamp) String() string      { return "#inst " + strconv.Quote(string(t)) }
func (u UUID) String() string           { return "#uuid " + strconv.Quote(string(u)) }
func (r ResourceHandle) String() string { return "#resource " + strconv.Quote(string(r)) }
func (v Vector) String() string         { return "[" + joinValues(v) + "]" }
func (l List) String() string           { return "(" + joinValues(l) + ")" }
func (f FuncRef) String() string        { return "#fn " + f.Ref }
func (b *Builtin) String() string       { return "#builtin " + b.Ident }

func (m Map) String() string {
	keys := m.SortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k.Value().String()+" "+m[k].String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (e *Error) String() string {
	if e.Code != "" {
		return fmt.Sprintf("#error[%s] %s", e.Code, e.Message)
	}
	return "#error " + e.Message
}

// Error lets *Error travel through Go error paths.
func (e *Error) Error() string { return e.Message }

func (f FuncRef) Name() string  { return f.Ref }
func (b *Builtin) Name() string { return b.Ident }

// Call invokes the builtin.
func (b *Builtin) Call(args []Value) (Value, error) {
	if b.Fn == nil {
		return nil, fmt.Errorf("builtin %s has no implementation", b.Ident)
	}
	return b.Fn(args)
}

func joinValues(items []Value) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.String()
	}
	return strings.Join(parts, " ")
}

// MapKey is the comparable key of a Map. Only strings, keywords and
// integers can be map keys.
type MapKey struct {
	Kind Kind
	Str  string
	Int  int64
}

// KeyOf converts v into a map key.
func KeyOf(v Value) (MapKey, bool) {
	switch x := v.(type) {
	case String:
		return MapKey{Kind: KindString, Str: string(x)}, true
	case Keyword:
		return MapKey{Kind: KindKeyword, Str: string(x)}, true
	case Int:
		return MapKey{Kind: KindInt, Int: int64(x)}, true
	default:
		return MapKey{}, false
	}
}

// StringKey and KeywordKey are shorthands for the common key kinds.
func StringKey(s string) MapKey  { return MapKey{Kind: KindString, Str: s} }
func KeywordKey(s string) MapKey { return MapKey{Kind: KindKeyword, Str: s} }

// Value converts the key back into a Value.
func (k MapKey) Value() Value {
	switch k.Kind {
	case KindKeyword:
		return Keyword(k.Str)
	case KindInt:
		return Int(k.Int)
	default:
		return String(k.Str)
	}
}

func (k MapKey) less(o MapKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.Kind == KindInt {
		return k.Int < o.Int
	}
	return k.Str < o.Str
}

// SortedKeys returns the map keys in a deterministic order.
func (m Map) SortedKeys() []MapKey {
	keys := make([]MapKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Truthy follows RTFS semantics: only nil and false are falsy.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, Nil:
		return false
	case Bool:
		return bool(x)
	default:
		return true
	}
}

// OrNil maps a Go nil to Nil{}.
func OrNil(v Value) Value {
	if v == nil {
		return Nil{}
	}
	return v
}

// Equal reports structural equality. Values of different kinds are never
// equal, so Int(1) != Float(1).
func Equal(a, b Value) bool {
	a, b = OrNil(a), OrNil(b)
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Vector:
		return equalSeq(x, b.(Vector))
	case List:
		return equalSeq(x, b.(List))
	case Map:
		y := b.(Map)
		if len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case *Error:
		y := b.(*Error)
		if x == nil || y == nil {
			return x == y
		}
		return x.Message == y.Message && x.Code == y.Code && equalStrings(x.StackTrace, y.StackTrace)
	case Function:
		y := b.(Function)
		_, xRef := x.(FuncRef)
		_, yRef := y.(FuncRef)
		if xRef || yRef {
			return x.Name() == y.Name()
		}
		return x == y
	default:
		return a == b
	}
}

func equalSeq(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of collection values. Scalars are returned as is.
func Clone(v Value) Value {
	switch x := v.(type) {
	case Vector:
		out := make(Vector, len(x))
		for i, item := range x {
			out[i] = Clone(item)
		}
		return out
	case List:
		out := make(List, len(x))
		for i, item := range x {
			out[i] = Clone(item)
		}
		return out
	case Map:
		out := make(Map, len(x))
		for k, item := range x {
			out[k] = Clone(item)
		}
		return out
	case *Error:
		if x == nil {
			return x
		}
		cp := *x
		cp.StackTrace = append([]string(nil), x.StackTrace...)
		return &cp
	default:
		return v
	}
}

// NewMap builds a map from alternating key/value arguments.
func NewMap(kv ...Value) (Map, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("map literal needs an even number of forms, got %d", len(kv))
	}
	m := make(Map, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := KeyOf(kv[i])
		if !ok {
			return nil, fmt.Errorf("invalid map key of kind %s", OrNil(kv[i]).Kind())
		}
		m[k] = OrNil(kv[i+1])
	}
	return m, nil
}
