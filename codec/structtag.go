package codec

import (
	"reflect"
	"strings"
)

// FieldSpec describes one attribute of a composite type as declared by Go
// struct tags: `wrpc:"name,required"`. A field with no tag uses its Go
// name. Pointer-typed fields default to OPTIONAL, since a nil pointer is
// the natural "not set" representation; every other field defaults to
// REQUIRED.
type FieldSpec struct {
	Name     string
	Required bool
	Index    int
}

// FieldSpecs inspects a (possibly pointer-to-) struct type and returns one
// FieldSpec per exported field, in declaration order. Required is true
// when a field is not a pointer (slices and maps included); an explicit
// "required" or "optional" option in the tag overrides that default.
func FieldSpecs(t reflect.Type) []FieldSpec {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	specs := make([]FieldSpec, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name := f.Name
		required := f.Type.Kind() != reflect.Ptr
		if tag, ok := f.Tag.Lookup("wrpc"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] != "" && parts[0] != "-" {
				name = parts[0]
			}
			for _, p := range parts[1:] {
				switch strings.TrimSpace(p) {
				case "required":
					required = true
				case "optional":
					required = false
				}
			}
		}
		specs = append(specs, FieldSpec{Name: name, Required: required, Index: i})
	}
	return specs
}

// IsSet reports whether the struct field at spec.Index holds a present
// value: non-pointer fields are always "set" (there is no absent
// representation for them, matching Required above); pointer fields are
// set iff non-nil.
func IsSet(structVal reflect.Value, spec FieldSpec) bool {
	fv := structVal.Field(spec.Index)
	if fv.Kind() == reflect.Ptr {
		return !fv.IsNil()
	}
	return true
}
