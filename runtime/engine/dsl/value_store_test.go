package dsl

import (
	"testing"

	"github.com/BDNK1/chatflow/runtime"
)

func TestValueStore_SetAndGet_Simple(t *testing.T) {
	s := NewValueStore(nil)

	s.Set("key", runtime.String("value"))
	v, ok := s.Get("key")
	if !ok || v.Str != "value" {
		t.Errorf("Get(key) = %v, %v; want value, true", v, ok)
	}
}

func TestValueStore_SetAndGet_Nested(t *testing.T) {
	s := NewValueStore(nil)

	s.Set("user.address.city", runtime.String("Paris"))

	v, ok := s.Get("user.address.city")
	if !ok || v.Str != "Paris" {
		t.Errorf("Get(user.address.city) = %v, %v; want Paris, true", v, ok)
	}

	// Intermediate objects should exist
	v, ok = s.Get("user.address")
	if !ok {
		t.Fatal("user.address not found")
	}
	if v.Kind != runtime.KindObject {
		t.Fatalf("user.address is %s, want object", v.Kind)
	}
	if city, _ := v.Get("city"); city.Str != "Paris" {
		t.Errorf("user.address.city = %v, want Paris", city)
	}
}

func TestValueStore_SetSibling(t *testing.T) {
	s := NewValueStore(nil)

	s.Set("user.name", runtime.String("Ada"))
	s.Set("user.age", runtime.Int(36))

	if v, ok := s.Get("user.name"); !ok || v.Str != "Ada" {
		t.Errorf("user.name = %v, %v; want Ada", v, ok)
	}
	if v, ok := s.Get("user.age"); !ok || v.Int != 36 {
		t.Errorf("user.age = %v, %v; want 36", v, ok)
	}
}

func TestValueStore_OverwriteScalarWithObject(t *testing.T) {
	s := NewValueStore(nil)

	s.Set("user", runtime.String("Ada"))
	s.Set("user.name", runtime.String("Ada"))

	v, ok := s.Get("user")
	if !ok || v.Kind != runtime.KindObject {
		t.Fatalf("user = %v, want object", v)
	}
}

func TestValueStore_DoesNotMutateSharedLiterals(t *testing.T) {
	shared := runtime.Object(map[string]runtime.Literal{"name": runtime.String("Ada")})
	s := NewValueStore(map[string]runtime.Literal{"user": shared})

	s.Set("user.name", runtime.String("Grace"))

	if name, _ := shared.Get("name"); name.Str != "Ada" {
		t.Errorf("shared literal changed to %v", name)
	}
	if v, _ := s.Get("user.name"); v.Str != "Grace" {
		t.Errorf("user.name = %v, want Grace", v)
	}
}

func TestValueStore_Get_Missing(t *testing.T) {
	s := NewValueStore(nil)
	s.Set("a.b", runtime.Int(1))

	for _, key := range []string{"missing", "a.c", "a.b.c"} {
		if _, ok := s.Get(key); ok {
			t.Errorf("Get(%s) found a value, want none", key)
		}
	}
}

func TestValueStore_All(t *testing.T) {
	values := map[string]runtime.Literal{}
	s := NewValueStore(values)
	s.Set("x", runtime.Int(1))

	if len(s.All()) != 1 || len(values) != 1 {
		t.Errorf("All() = %v, want the wrapped map with one entry", s.All())
	}
}
