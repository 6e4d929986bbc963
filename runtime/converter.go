package runtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// FromGo converts a decoded Go value (JSON, YAML or plugin output) to a Literal.
// Unknown types are rendered with %v.
func FromGo(v any) Literal {
	switch x := v.(type) {
	case nil:
		return Null
	case Literal:
		return x
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return Int(int64(x))
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint64:
		return Int(int64(x))
	case float32:
		return Float(float64(x))
	case float64:
		if x == float64(int64(x)) && x < 1<<53 && x > -(1<<53) {
			return Int(int64(x))
		}
		return Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Float(f)
	case string:
		return String(x)
	case []byte:
		return String(string(x))
	case []any:
		items := make([]Literal, len(x))
		for i, item := range x {
			items[i] = FromGo(item)
		}
		return Array(items...)
	case []string:
		items := make([]Literal, len(x))
		for i, item := range x {
			items[i] = String(item)
		}
		return Array(items...)
	case map[string]any:
		obj := make(map[string]Literal, len(x))
		for k, item := range x {
			obj[k] = FromGo(item)
		}
		return Object(obj)
	case map[any]any:
		obj := make(map[string]Literal, len(x))
		for k, item := range x {
			obj[fmt.Sprintf("%v", k)] = FromGo(item)
		}
		return Object(obj)
	case time.Time:
		return String(x.Format(time.RFC3339))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]Literal, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = FromGo(rv.Index(i).Interface())
		}
		return Array(items...)
	case reflect.Map:
		obj := make(map[string]Literal, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[fmt.Sprintf("%v", iter.Key().Interface())] = FromGo(iter.Value().Interface())
		}
		return Object(obj)
	case reflect.Struct, reflect.Ptr:
		if m, err := structToMap(v); err == nil {
			return FromGo(m)
		}
	}
	return String(fmt.Sprintf("%v", v))
}

// ToGo converts a Literal to plain Go values (nil, bool, int64, float64,
// string, []any, map[string]any).
func (l Literal) ToGo() any {
	switch l.Kind {
	case KindBool:
		return l.Bool
	case KindInt:
		return l.Int
	case KindFloat:
		return l.Float
	case KindString:
		return l.Str
	case KindArray:
		items := make([]any, len(l.Array))
		for i, item := range l.Array {
			items[i] = item.ToGo()
		}
		return items
	case KindObject:
		m := make(map[string]any, len(l.Obj))
		for k, v := range l.Obj {
			m[k] = v.ToGo()
		}
		return m
	default:
		return nil
	}
}

// ToMap converts an object literal to map[string]any; other kinds yield nil.
func (l Literal) ToMap() map[string]any {
	m, _ := l.ToGo().(map[string]any)
	return m
}

// MapToStruct converts a map[string]any to a struct using mapstructure.
// It uses json tags for field mapping and supports time.Duration and time.Time conversions.
func MapToStruct(m map[string]any, target any) error {
	return decodeInto(m, target, "json")
}

// mapToStructFromYAML is MapToStruct for config structs, which carry yaml tags.
func mapToStructFromYAML(m map[string]any, target any) error {
	return decodeInto(m, target, "yaml")
}

func decodeInto(m map[string]any, target any, tag string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: tag,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true, // Allow type coercion (e.g., "8080" -> int)
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}

	return nil
}

// structToMap converts a struct to map[string]any using JSON round-trip.
// This respects json tags and properly handles nested structs.
func structToMap(s any) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal to map: %w", err)
	}

	return result, nil
}
