package actor

import (
	"fmt"
	"reflect"
	"strings"
)

// validateSerializable walks v and returns the dotted path of the first value
// that cannot be persisted (functions, channels, complex numbers, unsafe
// pointers, or reference cycles). An empty path and nil error mean v is safe
// to hand to the CBOR encoder.
//
// The CBOR library rejects the same values but reports no path, so the
// runtime walks first and fails with InvalidStateType{path} as user code
// expects.
func validateSerializable(root string, v any) error {
	seen := make(map[uintptr]bool)
	if path, ok := findUnserializable(reflect.ValueOf(v), root, seen); !ok {
		return ErrInvalidStateType(path)
	}
	return nil
}

// validateQueueBody is validateSerializable with the queue's error kind.
func validateQueueBody(v any) error {
	seen := make(map[uintptr]bool)
	if path, ok := findUnserializable(reflect.ValueOf(v), "body", seen); !ok {
		return ErrQueueMessageInvalid(path)
	}
	return nil
}

func findUnserializable(v reflect.Value, path string, seen map[uintptr]bool) (string, bool) {
	if !v.IsValid() {
		return "", true // nil persists as CBOR null
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer,
		reflect.Complex64, reflect.Complex128:
		return path, false

	case reflect.Interface:
		if v.IsNil() {
			return "", true
		}
		return findUnserializable(v.Elem(), path, seen)

	case reflect.Pointer:
		if v.IsNil() {
			return "", true
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return path, false // cycle
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return findUnserializable(v.Elem(), path, seen)

	case reflect.Map:
		if v.IsNil() {
			return "", true
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return path, false
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key()
			keyStr := mapKeyString(key)
			if badPath, ok := findUnserializable(iter.Value(), joinPath(path, keyStr), seen); !ok {
				return badPath, false
			}
		}
		return "", true

	case reflect.Slice:
		if v.IsNil() {
			return "", true
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return path, false
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		for i := 0; i < v.Len(); i++ {
			if badPath, ok := findUnserializable(v.Index(i), fmt.Sprintf("%s[%d]", path, i), seen); !ok {
				return badPath, false
			}
		}
		return "", true

	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if badPath, ok := findUnserializable(v.Index(i), fmt.Sprintf("%s[%d]", path, i), seen); !ok {
				return badPath, false
			}
		}
		return "", true

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue // encoder skips unexported fields
			}
			if badPath, ok := findUnserializable(v.Field(i), joinPath(path, field.Name), seen); !ok {
				return badPath, false
			}
		}
		return "", true

	default:
		return "", true
	}
}

func mapKeyString(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	return fmt.Sprint(key.Interface())
}

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('.')
	b.WriteString(elem)
	return b.String()
}
