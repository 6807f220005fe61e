package store

import "reflect"

// DefaultSizeEstimate is charged for payloads whose size cannot be derived.
const DefaultSizeEstimate int64 = 1024

// Sizer is implemented by payloads that know their own memory footprint.
type Sizer interface {
	SizeBytes() int64
}

// SizeEstimator maps a payload to its approximate size in bytes.
type SizeEstimator func(payload any) int64

// DefaultSizeEstimator estimates the memory size of a payload.
func DefaultSizeEstimator(payload any) int64 {
	if payload == nil {
		return 0
	}

	switch v := payload.(type) {
	case Sizer:
		return v.SizeBytes()
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case int, int64, uint, uint64, float64, uintptr:
		return 8
	case int32, uint32, float32:
		return 4
	case int16, uint16:
		return 2
	case int8, uint8, bool:
		return 1
	}

	rv := reflect.ValueOf(payload)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return 0
		}
		return int64(rv.Len()) * int64(rv.Type().Elem().Size())
	case reflect.Map:
		return int64(rv.Len()) * 16 // rough estimate for key-value pairs
	case reflect.Pointer:
		if rv.IsNil() {
			return 0
		}
		if rv.Elem().Kind() == reflect.Struct {
			return int64(rv.Elem().Type().Size())
		}
		return DefaultSizeEstimate
	case reflect.Struct:
		return int64(rv.Type().Size())
	default:
		return DefaultSizeEstimate
	}
}
