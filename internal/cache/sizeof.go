package cache

import (
	"reflect"
	"time"
)

const (
	numberSize  = 8
	boolSize    = 4
	pointerSize = 8
)

// estimateSize approximates the memory held by v: strings count two bytes per
// character, numbers a fixed eight bytes, containers the sum of their elements.
func estimateSize(v interface{}) int64 {
	return sizeOf(reflect.ValueOf(v), 0)
}

func sizeOf(v reflect.Value, depth int) int64 {
	if !v.IsValid() || depth > 32 {
		return 0
	}

	switch v.Kind() {
	case reflect.String:
		return int64(len(v.String())) * 2
	case reflect.Bool:
		return boolSize
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return numberSize
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return 0
		}
		return sizeOf(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return int64(v.Len())
		}
		var total int64
		for i := 0; i < v.Len(); i++ {
			total += sizeOf(v.Index(i), depth+1)
		}
		return total
	case reflect.Map:
		var total int64
		iter := v.MapRange()
		for iter.Next() {
			total += sizeOf(iter.Key(), depth+1) + sizeOf(iter.Value(), depth+1)
		}
		return total
	case reflect.Struct:
		if v.Type() == reflect.TypeOf(time.Time{}) {
			return numberSize
		}
		var total int64
		for i := 0; i < v.NumField(); i++ {
			total += sizeOf(v.Field(i), depth+1)
		}
		return total
	}
	return pointerSize
}
