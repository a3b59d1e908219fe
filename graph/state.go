package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// State is the data bag shared by every step of a session.
//
// Values are normalised to their JSON forms once a step's update has been
// merged: numbers become float64, objects become map[string]any and arrays
// become []any. This keeps the in-flight state identical to what a
// checkpoint store hands back after a restart.
type State map[string]any

// MergePolicy selects how a field in a step's update combines with the
// value already held in State.
type MergePolicy int

const (
	// Replace overwrites the existing value. It is the policy of every
	// field that is not declared in the Schema.
	Replace MergePolicy = iota

	// UnionMerge merges mapping keys from the update into the existing
	// mapping. The update wins on key conflicts.
	UnionMerge

	// Append concatenates the update's elements onto the existing sequence.
	Append
)

// String returns the policy name.
func (p MergePolicy) String() string {
	switch p {
	case Replace:
		return "replace"
	case UnionMerge:
		return "union"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// Field declares the merge policy for one state field.
type Field struct {
	Name   string
	Policy MergePolicy
}

// Schema is the field table of a State Object. It is validated once when
// the graph is constructed and is read-only afterwards.
type Schema struct {
	policies map[string]MergePolicy
}

// NewSchema builds a Schema from field declarations.
//
// Field names must be unique and non-empty. Reserved engine fields
// (FieldInterrupt, FieldResume) may only be declared with Replace.
//
// Example:
//
//	schema, err := graph.NewSchema(
//	    graph.Field{Name: "module_plans", Policy: graph.UnionMerge},
//	    graph.Field{Name: "logs", Policy: graph.Append},
//	)
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{policies: make(map[string]MergePolicy, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, &EngineError{Code: "INVALID_SCHEMA", Message: "field name cannot be empty"}
		}
		if _, dup := s.policies[f.Name]; dup {
			return nil, &EngineError{Code: "INVALID_SCHEMA", Message: fmt.Sprintf("field %q declared twice", f.Name)}
		}
		if f.Policy < Replace || f.Policy > Append {
			return nil, &EngineError{Code: "INVALID_SCHEMA", Message: fmt.Sprintf("field %q has unknown policy %d", f.Name, int(f.Policy))}
		}
		if isReserved(f.Name) && f.Policy != Replace {
			return nil, &EngineError{Code: "INVALID_SCHEMA", Message: fmt.Sprintf("reserved field %q must use replace", f.Name)}
		}
		s.policies[f.Name] = f.Policy
	}
	return s, nil
}

// Policy returns the merge policy for name. Undeclared fields use Replace.
func (s *Schema) Policy(name string) MergePolicy {
	if s == nil {
		return Replace
	}
	return s.policies[name]
}

// Fields returns the declared fields sorted by name.
func (s *Schema) Fields() []Field {
	if s == nil {
		return nil
	}
	out := make([]Field, 0, len(s.policies))
	for name, p := range s.policies {
		out = append(out, Field{Name: name, Policy: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Merge combines update into current and returns a new State.
//
// current is never modified. Fields absent from update are carried over
// unchanged. A nil value in update removes the field, which is how a step
// resets an accumulator or clears a record.
//
// UnionMerge fields require mapping values on both sides and Append fields
// require sequences; a missing current value counts as empty. Any other
// shape fails with *TypeMismatchError.
func (s *Schema) Merge(current, update State) (State, error) {
	next := make(State, len(current)+len(update))
	for k, v := range current {
		next[k] = v
	}

	// Sorted keys keep error reporting deterministic.
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		uv := update[field]
		if uv == nil {
			delete(next, field)
			continue
		}

		switch policy := s.Policy(field); policy {
		case UnionMerge:
			um, ok := asMapping(uv)
			if !ok {
				return nil, &TypeMismatchError{Field: field, Policy: policy, Side: "update", Got: typeName(uv)}
			}
			cm := map[string]any{}
			if cv, present := current[field]; present && cv != nil {
				cm, ok = asMapping(cv)
				if !ok {
					return nil, &TypeMismatchError{Field: field, Policy: policy, Side: "current", Got: typeName(cv)}
				}
			}
			merged := make(map[string]any, len(cm)+len(um))
			for k, v := range cm {
				merged[k] = v
			}
			for k, v := range um {
				merged[k] = v
			}
			next[field] = merged

		case Append:
			us, ok := asSequence(uv)
			if !ok {
				return nil, &TypeMismatchError{Field: field, Policy: policy, Side: "update", Got: typeName(uv)}
			}
			var cs []any
			if cv, present := current[field]; present && cv != nil {
				cs, ok = asSequence(cv)
				if !ok {
					return nil, &TypeMismatchError{Field: field, Policy: policy, Side: "current", Got: typeName(cv)}
				}
			}
			joined := make([]any, 0, len(cs)+len(us))
			joined = append(joined, cs...)
			joined = append(joined, us...)
			next[field] = joined

		default:
			next[field] = uv
		}
	}
	return next, nil
}

// asMapping converts any map keyed by strings into map[string]any.
func asMapping(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if st, ok := v.(State); ok {
		return map[string]any(st), true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// asSequence converts any slice or array into []any. Strings and byte
// slices are not sequences.
func asSequence(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
	default:
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

// Clone returns a deep, JSON-normalised copy of s.
//
// Values must be JSON-marshalable. Struct values are converted to
// map[string]any and integers to float64.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}
	return deepCopy(s)
}

// deepCopy copies state through a JSON round trip.
//
// Limitations:
//   - Unexported struct fields are not copied
//   - Channels, functions, and complex types that don't marshal to JSON will fail
//   - Circular references will cause infinite loops
func deepCopy(state State) (State, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	copied := State{}
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return copied, nil
}

// String returns the string value of key, or "" when absent or not a string.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int returns the numeric value of key truncated to int.
func (s State) Int(key string) int {
	switch n := s[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// Bool returns the boolean value of key.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Map returns the mapping value of key, or nil.
func (s State) Map(key string) map[string]any {
	m, _ := asMapping(s[key])
	return m
}

// Slice returns the sequence value of key, or nil.
func (s State) Slice(key string) []any {
	if s[key] == nil {
		return nil
	}
	seq, _ := asSequence(s[key])
	return seq
}

// With returns a copy of s with the given fields added.
func (s State) With(fields State) State {
	out := make(State, len(s)+len(fields))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
