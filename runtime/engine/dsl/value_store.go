package dsl

import (
	"strings"

	"github.com/BDNK1/chatflow/runtime"
)

// ValueStore stores variables as nested object literals so that dotted
// assignments (`user.address.city = "Paris"`) and dotted reads address the
// same tree.
type ValueStore struct {
	values map[string]runtime.Literal
}

// NewValueStore wraps values; a nil map is allocated.
func NewValueStore(values map[string]runtime.Literal) *ValueStore {
	if values == nil {
		values = make(map[string]runtime.Literal)
	}
	return &ValueStore{values: values}
}

// Set stores a value at a dot-separated key path, creating intermediate
// objects. Set("user.address.city", v) creates values["user"]["address"]["city"] = v.
// A non-object value on the way is replaced by an object.
func (s *ValueStore) Set(key string, value runtime.Literal) {
	parts := strings.Split(key, ".")
	s.values[parts[0]] = setIn(s.values[parts[0]], parts[1:], value)
}

func setIn(current runtime.Literal, path []string, value runtime.Literal) runtime.Literal {
	if len(path) == 0 {
		return value
	}
	obj := make(map[string]runtime.Literal)
	if current.Kind == runtime.KindObject {
		// copy so literals shared with memories or holds are never mutated
		for k, v := range current.Obj {
			obj[k] = v
		}
	}
	obj[path[0]] = setIn(obj[path[0]], path[1:], value)
	return runtime.Object(obj)
}

// Get retrieves a value at a dot-separated key path.
func (s *ValueStore) Get(key string) (runtime.Literal, bool) {
	parts := strings.Split(key, ".")
	current, ok := s.values[parts[0]]
	if !ok {
		return runtime.Null, false
	}
	for _, part := range parts[1:] {
		current, ok = current.Get(part)
		if !ok {
			return runtime.Null, false
		}
	}
	return current, true
}

// All returns the underlying map.
func (s *ValueStore) All() map[string]runtime.Literal {
	return s.values
}
