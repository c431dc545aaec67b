package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/notargets/kernelcall/reflection"
)

// Encode converts a host scalar, Go array or slice into the element layout.
// Numeric values convert between families the way an assignment would.
func (f Format) Encode(v any) ([]byte, error) {
	out := make([]byte, f.Size())
	if err := f.EncodeInto(out, v); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeInto writes v into dst, which must hold at least Size() bytes
func (f Format) EncodeInto(dst []byte, v any) error {
	size := f.Scalar.Size()
	if size == 0 || f.Scalar == reflection.ScalarFloat16 {
		return fmt.Errorf("unsupported element type %s", f.Scalar)
	}
	if len(dst) < f.Size() {
		return fmt.Errorf("destination holds %d bytes, element %s needs %d", len(dst), f, f.Size())
	}
	switch f.Scalar.Family() {
	case reflection.FamilyFloat:
		vals, err := Float64s(v)
		if err != nil {
			return err
		}
		if len(vals) != f.Count {
			return fmt.Errorf("value has %d components, element %s needs %d", len(vals), f, f.Count)
		}
		for i, x := range vals {
			b := dst[i*size:]
			if f.Scalar == reflection.ScalarFloat32 {
				binary.LittleEndian.PutUint32(b, math.Float32bits(float32(x)))
			} else {
				binary.LittleEndian.PutUint64(b, math.Float64bits(x))
			}
		}
	default:
		vals, err := Int64s(v)
		if err != nil {
			return err
		}
		if len(vals) != f.Count {
			return fmt.Errorf("value has %d components, element %s needs %d", len(vals), f, f.Count)
		}
		for i, x := range vals {
			b := dst[i*size:]
			if size == 4 {
				binary.LittleEndian.PutUint32(b, uint32(x))
			} else {
				binary.LittleEndian.PutUint64(b, uint64(x))
			}
		}
	}
	return nil
}

// Decode reads one element. Single-component elements decode to the matching
// Go scalar, wider elements to a slice of it.
func (f Format) Decode(b []byte) (any, error) {
	if len(b) < f.Size() {
		return nil, fmt.Errorf("element %s needs %d bytes, got %d", f, f.Size(), len(b))
	}
	size := f.Scalar.Size()
	switch f.Scalar {
	case reflection.ScalarFloat32:
		out := make([]float32, f.Count)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size:]))
		}
		return single(out), nil
	case reflection.ScalarFloat64:
		out := make([]float64, f.Count)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*size:]))
		}
		return single(out), nil
	case reflection.ScalarInt32:
		out := make([]int32, f.Count)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(b[i*size:]))
		}
		return single(out), nil
	case reflection.ScalarUInt32:
		out := make([]uint32, f.Count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(b[i*size:])
		}
		return single(out), nil
	case reflection.ScalarInt64:
		out := make([]int64, f.Count)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(b[i*size:]))
		}
		return single(out), nil
	case reflection.ScalarUInt64:
		out := make([]uint64, f.Count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(b[i*size:])
		}
		return single(out), nil
	case reflection.ScalarBool:
		out := make([]bool, f.Count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(b[i*size:]) != 0
		}
		return single(out), nil
	}
	return nil, fmt.Errorf("unsupported element type %s", f.Scalar)
}

func single[T any](vals []T) any {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// Float64s flattens a numeric scalar, Go array or slice into float64s
func Float64s(v any) ([]float64, error) {
	var out []float64
	err := walkNumeric(reflect.ValueOf(v), func(rv reflect.Value) {
		switch {
		case rv.CanFloat():
			out = append(out, rv.Float())
		case rv.CanInt():
			out = append(out, float64(rv.Int()))
		case rv.CanUint():
			out = append(out, float64(rv.Uint()))
		default:
			out = append(out, b2f(rv.Bool()))
		}
	})
	return out, err
}

// Int64s flattens a numeric scalar, Go array or slice into int64s
func Int64s(v any) ([]int64, error) {
	var out []int64
	err := walkNumeric(reflect.ValueOf(v), func(rv reflect.Value) {
		switch {
		case rv.CanFloat():
			out = append(out, int64(rv.Float()))
		case rv.CanInt():
			out = append(out, rv.Int())
		case rv.CanUint():
			out = append(out, int64(rv.Uint()))
		default:
			out = append(out, int64(b2f(rv.Bool())))
		}
	})
	return out, err
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func walkNumeric(rv reflect.Value, emit func(reflect.Value)) error {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Bool:
		emit(rv)
		return nil
	case reflect.Array, reflect.Slice:
		for i := 0; i < rv.Len(); i++ {
			if err := walkNumeric(rv.Index(i), emit); err != nil {
				return err
			}
		}
		return nil
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return fmt.Errorf("nil value is not numeric")
		}
		return walkNumeric(rv.Elem(), emit)
	}
	if !rv.IsValid() {
		return fmt.Errorf("nil value is not numeric")
	}
	return fmt.Errorf("%s is not numeric", rv.Type())
}
