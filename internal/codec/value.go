package codec

import (
	"fmt"
	"math"
)

// Kind identifies which member of the Value union is set.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindRecord:
		return "record"
	default:
		return "invalid"
	}
}

// Value is the closed union of data kinds the codec can serialize: scalars,
// strings, numeric arrays with an explicit shape, and ordered records of
// named values. The zero Value has KindInvalid and cannot be encoded.
type Value struct {
	kind Kind

	b   bool
	i   int64
	f   float64
	s   string
	arr *Array
	rec *Record
}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Str(s string) Value { return Value{kind: KindString, s: s} }
func Arr(a *Array) Value { return Value{kind: KindArray, arr: a} }
func Rec(r *Record) Value { return Value{kind: KindRecord, rec: r} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() bool { return v.b }
func (v Value) Int() int64 { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Str() string { return v.s }
func (v Value) Array() *Array { return v.arr }
func (v Value) Record() *Record { return v.rec }

// Equal reports exact equality: same kind, same shape, same field order.
// Float comparison is bitwise so NaN payloads survive a round trip check.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	case KindArray:
		return v.arr.Equal(o.arr)
	case KindRecord:
		return v.rec.Equal(o.rec)
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindArray:
		return v.arr.String()
	case KindRecord:
		return v.rec.String()
	default:
		return "<invalid>"
	}
}

// ElemKind is the element type of a numeric array.
type ElemKind uint8

const (
	ElemFloat64 ElemKind = iota + 1
	ElemInt64
)

func (e ElemKind) String() string {
	switch e {
	case ElemFloat64:
		return "float64"
	case ElemInt64:
		return "int64"
	default:
		return "invalid"
	}
}

// Array is an n-dimensional numeric array. Exactly one of Float64s/Int64s is
// populated, matching Elem, and its length equals the product of Shape.
// A rank-0 shape is permitted and denotes an empty array.
type Array struct {
	Elem     ElemKind
	Shape    []int
	Float64s []float64
	Int64s   []int64
}

// Floats builds a rank-1 float64 array.
func Floats(data []float64) *Array {
	return &Array{Elem: ElemFloat64, Shape: []int{len(data)}, Float64s: data}
}

// Ints builds a rank-1 int64 array.
func Ints(data []int64) *Array {
	return &Array{Elem: ElemInt64, Shape: []int{len(data)}, Int64s: data}
}

// Len returns the number of elements implied by the shape.
func (a *Array) Len() int {
	if len(a.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

func (a *Array) Equal(o *Array) bool {
	if a == nil || o == nil {
		return a == o
	}
	if a.Elem != o.Elem || len(a.Shape) != len(o.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != o.Shape[i] {
			return false
		}
	}
	switch a.Elem {
	case ElemFloat64:
		if len(a.Float64s) != len(o.Float64s) {
			return false
		}
		for i := range a.Float64s {
			if math.Float64bits(a.Float64s[i]) != math.Float64bits(o.Float64s[i]) {
				return false
			}
		}
	case ElemInt64:
		if len(a.Int64s) != len(o.Int64s) {
			return false
		}
		for i := range a.Int64s {
			if a.Int64s[i] != o.Int64s[i] {
				return false
			}
		}
	}
	return true
}

func (a *Array) String() string {
	return fmt.Sprintf("array(%s, shape=%v)", a.Elem, a.Shape)
}

// Field is one named entry of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered mapping of field name to Value. Iteration and
// encoding follow insertion order; Set on an existing name replaces the
// value in place without reordering.
type Record struct {
	fields []Field
	index  map[string]int
}

func NewRecord() *Record {
	return &Record{index: make(map[string]int)}
}

func (r *Record) Set(name string, v Value) *Record {
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return r
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
	return r
}

func (r *Record) Get(name string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	i, ok := r.index[name]
	if !ok {
		return Value{}, false
	}
	return r.fields[i].Value, true
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Fields returns the fields in insertion order. The slice is shared; callers
// must not mutate it.
func (r *Record) Fields() []Field {
	if r == nil {
		return nil
	}
	return r.fields
}

func (r *Record) Bool(name string) (bool, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind() != KindBool {
		return false, false
	}
	return v.Bool(), true
}

func (r *Record) Int(name string) (int64, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind() != KindInt {
		return 0, false
	}
	return v.Int(), true
}

func (r *Record) Float(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind() != KindFloat {
		return 0, false
	}
	return v.Float(), true
}

func (r *Record) Str(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind() != KindString {
		return "", false
	}
	return v.Str(), true
}

func (r *Record) Arr(name string) (*Array, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind() != KindArray {
		return nil, false
	}
	return v.Array(), true
}

func (r *Record) Rec(name string) (*Record, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind() != KindRecord {
		return nil, false
	}
	return v.Record(), true
}

func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r.Len() == o.Len()
	}
	if len(r.fields) != len(o.fields) {
		return false
	}
	for i := range r.fields {
		if r.fields[i].Name != o.fields[i].Name {
			return false
		}
		if !r.fields[i].Value.Equal(o.fields[i].Value) {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	return fmt.Sprintf("record(%d fields)", r.Len())
}
