package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind discriminates the payload shapes a document field can hold.
type ValueKind string

// Supported document value shapes. The merge rule is keyed off the kind:
// objects recurse, lists append, scalars replace.
const (
	// KindScalar holds a string, number, boolean, or null.
	KindScalar ValueKind = "scalar"
	// KindList holds an ordered collection of values.
	KindList ValueKind = "list"
	// KindObject holds a nested document.
	KindObject ValueKind = "object"
)

// Value is a tagged union over the payload shapes a context document can
// carry. Keeping the shape explicit lets the merge algorithm dispatch on
// typed kinds instead of reflecting over arbitrary interface values.
type Value struct {
	kind   ValueKind
	scalar any
	list   []Value
	object Document
}

// Document is a nested key-value payload attached to a context record.
type Document map[string]Value

// StringValue wraps a string scalar.
func StringValue(s string) Value { return Value{kind: KindScalar, scalar: s} }

// NumberValue wraps a numeric scalar. JSON numbers decode as float64.
func NumberValue(f float64) Value { return Value{kind: KindScalar, scalar: f} }

// BoolValue wraps a boolean scalar.
func BoolValue(b bool) Value { return Value{kind: KindScalar, scalar: b} }

// NullValue wraps a JSON null.
func NullValue() Value { return Value{kind: KindScalar, scalar: nil} }

// ListValue wraps an ordered list of values. The slice is cloned.
func ListValue(items ...Value) Value {
	return Value{kind: KindList, list: cloneValueSlice(items)}
}

// ObjectValue wraps a nested document. The document is cloned.
func ObjectValue(doc Document) Value {
	return Value{kind: KindObject, object: doc.Clone()}
}

// Kind returns the value's shape discriminator. The zero Value is a null scalar.
func (v Value) Kind() ValueKind {
	if v.kind == "" {
		return KindScalar
	}
	return v.kind
}

// Scalar returns the underlying scalar (nil unless Kind is KindScalar).
func (v Value) Scalar() any {
	if v.Kind() != KindScalar {
		return nil
	}
	return v.scalar
}

// List returns a cloned copy of the underlying list.
func (v Value) List() []Value {
	if v.Kind() != KindList {
		return nil
	}
	return cloneValueSlice(v.list)
}

// Object returns a cloned copy of the underlying nested document.
func (v Value) Object() Document {
	if v.Kind() != KindObject {
		return nil
	}
	return v.object.Clone()
}

// Equal reports deep equality between two values.
func (v Value) Equal(other Value) bool {
	if v.Kind() != other.Kind() {
		return false
	}
	switch v.Kind() {
	case KindScalar:
		return v.scalar == other.scalar
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.object.Equal(other.object)
	default:
		return false
	}
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.Kind() {
	case KindList:
		return Value{kind: KindList, list: cloneValueSlice(v.list)}
	case KindObject:
		return Value{kind: KindObject, object: v.object.Clone()}
	default:
		return Value{kind: KindScalar, scalar: v.scalar}
	}
}

func cloneValueSlice(in []Value) []Value {
	if in == nil {
		return nil
	}
	out := make([]Value, len(in))
	for i, v := range in {
		out[i] = v.Clone()
	}
	return out
}

// MarshalJSON renders the value as plain JSON with no shape envelope.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindObject:
		return json.Marshal(v.object)
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.kind)
	}
}

// UnmarshalJSON rebuilds the tagged shape from plain JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueFrom(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueFrom converts a decoded JSON value (string, float64, bool, nil,
// []any, map[string]any) into a tagged Value.
func ValueFrom(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return StringValue(typed), nil
	case bool:
		return BoolValue(typed), nil
	case float64:
		return NumberValue(typed), nil
	case int:
		return NumberValue(float64(typed)), nil
	case int64:
		return NumberValue(float64(typed)), nil
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return Value{}, err
		}
		return NumberValue(f), nil
	case []any:
		items := make([]Value, 0, len(typed))
		for _, item := range typed {
			v, err := ValueFrom(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		doc, err := DocumentFrom(typed)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindObject, object: doc}, nil
	case Document:
		return Value{kind: KindObject, object: typed.Clone()}, nil
	case Value:
		return typed.Clone(), nil
	default:
		return Value{}, fmt.Errorf("unsupported document value type %T", raw)
	}
}

// DocumentFrom converts a decoded JSON object into a Document.
func DocumentFrom(raw map[string]any) (Document, error) {
	doc := make(Document, len(raw))
	for key, item := range raw {
		v, err := ValueFrom(item)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		doc[key] = v
	}
	return doc, nil
}

// MustDocument converts a map into a Document and panics on unsupported
// types. Intended for literals in tests and fixtures.
func MustDocument(raw map[string]any) Document {
	doc, err := DocumentFrom(raw)
	if err != nil {
		panic(err)
	}
	return doc
}

// Clone returns a deep copy of the document. Nil stays nil.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for key, v := range d {
		out[key] = v.Clone()
	}
	return out
}

// Equal reports deep equality between two documents.
func (d Document) Equal(other Document) bool {
	if len(d) != len(other) {
		return false
	}
	for key, v := range d {
		ov, ok := other[key]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns the document's top-level field names in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ToMap converts the document back into plain decoded-JSON shapes.
func (d Document) ToMap() map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for key, v := range d {
		out[key] = v.toAny()
	}
	return out
}

func (v Value) toAny() any {
	switch v.Kind() {
	case KindList:
		items := make([]any, len(v.list))
		for i, item := range v.list {
			items[i] = item.toAny()
		}
		return items
	case KindObject:
		return v.object.ToMap()
	default:
		return v.scalar
	}
}

// Merge combines the document with a more specific overlay and returns the
// result. Neither input is mutated. Rules: nested objects merge recursively,
// lists concatenate base-first with duplicate elements dropped, and scalars
// (or any kind mismatch) are replaced by the overlay.
func (d Document) Merge(overlay Document) Document {
	if d == nil && overlay == nil {
		return nil
	}
	out := d.Clone()
	if out == nil {
		out = make(Document, len(overlay))
	}
	for key, over := range overlay {
		base, ok := out[key]
		if !ok {
			out[key] = over.Clone()
			continue
		}
		out[key] = mergeValue(base, over)
	}
	return out
}

func mergeValue(base, overlay Value) Value {
	if base.Kind() == KindObject && overlay.Kind() == KindObject {
		return Value{kind: KindObject, object: base.object.Merge(overlay.object)}
	}
	if base.Kind() == KindList && overlay.Kind() == KindList {
		return Value{kind: KindList, list: appendDeduplicated(base.list, overlay.list)}
	}
	return overlay.Clone()
}

func appendDeduplicated(base, overlay []Value) []Value {
	out := cloneValueSlice(base)
	for _, candidate := range overlay {
		duplicate := false
		for _, existing := range out {
			if existing.Equal(candidate) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, candidate.Clone())
		}
	}
	return out
}
