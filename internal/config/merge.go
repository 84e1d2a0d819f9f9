package config

import "reflect"

// MergeNonZero returns base with every non-zero field of overlay applied on
// top. Nested structs are merged field by field, maps are merged key by key
// with overlay winning, and slices replace when non-empty. Bools only
// override when true, so a default of true cannot be switched off by an
// omitted field.
//
// Only used while loading, never per request.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	merge(reflect.ValueOf(&result).Elem(), reflect.ValueOf(overlay))
	return result
}

func merge(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			if dst.Field(i).CanSet() {
				merge(dst.Field(i), src.Field(i))
			}
		}
	case reflect.Map:
		if src.Len() == 0 {
			return
		}
		out := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
		for _, k := range dst.MapKeys() {
			out.SetMapIndex(k, dst.MapIndex(k))
		}
		for _, k := range src.MapKeys() {
			out.SetMapIndex(k, src.MapIndex(k))
		}
		dst.Set(out)
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}
