package typeregistry

import (
	"fmt"
	"reflect"

	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
	"gonum.org/v1/gonum/mat"
)

// HostArrayType describes host memory (Go slices or a gonum matrix) that is
// uploaded into a temporary buffer for the duration of a call.
type HostArrayType struct {
	base
	Rank int
	elem Descriptor
}

// NewHostArrayType returns the descriptor of a host array. Writable host
// arrays receive the buffer contents back after the call.
func NewHostArrayType(elem Descriptor, rank int, writable bool) *HostArrayType {
	name := fmt.Sprintf("HostArray<%s,%d>", elem.Name(), rank)
	return &HostArrayType{
		base: base{kind: KindHostArray, name: name, key: fmt.Sprintf("hostarray:%s:rw=%t", name, writable),
			scalar: elem.Scalar(), writable: writable, diff: elem.Differentiable()},
		Rank: rank,
		elem: elem,
	}
}

func (t *HostArrayType) ElementType() Descriptor { return t.elem }
func (t *HostArrayType) ContainerShape() Shape   { return UnknownShape(t.Rank) }

func (t *HostArrayType) ValueShape(v any) Shape {
	s, err := HostArrayShape(v, t.Rank)
	if err != nil {
		return t.ContainerShape()
	}
	return s
}

func (t *HostArrayType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return NewHostArrayType(t.elem.Derivative(), t.Rank, t.writable)
}

// HostArrayShape returns the shape of the outer rank axes of a slice, nested
// slices or mat.Matrix. Nested slices must be rectangular.
func HostArrayShape(v any, rank int) (Shape, error) {
	if m, ok := v.(mat.Matrix); ok {
		r, c := m.Dims()
		return Shape{r, c}, nil
	}
	shape := make(Shape, 0, rank)
	rv := reflect.ValueOf(v)
	for axis := 0; axis < rank; axis++ {
		if rv.Kind() != reflect.Slice {
			return nil, fmt.Errorf("axis %d of host array is %s, not a slice", axis, rv.Kind())
		}
		n := rv.Len()
		shape = append(shape, n)
		if axis+1 == rank {
			break
		}
		if n == 0 {
			for len(shape) < rank {
				shape = append(shape, 0)
			}
			break
		}
		inner := rv.Index(0).Len()
		for i := 1; i < n; i++ {
			if rv.Index(i).Len() != inner {
				return nil, fmt.Errorf("host array is ragged on axis %d", axis+1)
			}
		}
		rv = rv.Index(0)
	}
	return shape, nil
}

// EncodeHostArray flattens host data in row-major order and encodes every
// scalar as f.Scalar.
func EncodeHostArray(data any, f device.Format) ([]byte, error) {
	if m, ok := data.(mat.Matrix); ok {
		r, c := m.Dims()
		flat := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				flat = append(flat, m.At(i, j))
			}
		}
		data = flat
	}
	scalar := device.Format{Scalar: f.Scalar, Count: 1}
	size := scalar.Size()
	if f.Scalar.Family() == reflection.FamilyFloat {
		vals, err := device.Float64s(data)
		if err != nil {
			return nil, err
		}
		if err := checkElements(len(vals), f); err != nil {
			return nil, err
		}
		out := make([]byte, len(vals)*size)
		for i, v := range vals {
			if err := scalar.EncodeInto(out[i*size:], v); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	vals, err := device.Int64s(data)
	if err != nil {
		return nil, err
	}
	if err := checkElements(len(vals), f); err != nil {
		return nil, err
	}
	out := make([]byte, len(vals)*size)
	for i, v := range vals {
		if err := scalar.EncodeInto(out[i*size:], v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkElements(n int, f device.Format) error {
	if f.Count > 0 && n%f.Count != 0 {
		return fmt.Errorf("host data holds %d scalars, not a multiple of element %s", n, f)
	}
	return nil
}

// DecodeHostArray fills the numeric leaves of dst in row-major order from raw
func DecodeHostArray(raw []byte, f device.Format, dst any) error {
	scalar := device.Format{Scalar: f.Scalar, Count: 1}
	size := scalar.Size()
	if size == 0 {
		return fmt.Errorf("unsupported element type %s", f.Scalar)
	}
	n := len(raw) / size
	next := 0
	read := func() (any, error) {
		if next >= n {
			return nil, fmt.Errorf("buffer holds %d scalars, destination needs more", n)
		}
		v, err := scalar.Decode(raw[next*size:])
		next++
		return v, err
	}

	if dense, ok := dst.(*mat.Dense); ok {
		r, c := dense.Dims()
		if r*c != n {
			return fmt.Errorf("buffer holds %d scalars, matrix is %dx%d", n, r, c)
		}
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v, err := read()
				if err != nil {
					return err
				}
				x, err := device.Float64s(v)
				if err != nil {
					return err
				}
				dense.Set(i, j, x[0])
			}
		}
		return nil
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("cannot copy into %T", dst)
	}
	if err := fillLeaves(rv, read); err != nil {
		return err
	}
	if next != n {
		return fmt.Errorf("buffer holds %d scalars, destination holds %d", n, next)
	}
	return nil
}

func fillLeaves(rv reflect.Value, read func() (any, error)) error {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := fillLeaves(rv.Index(i), read); err != nil {
				return err
			}
		}
		return nil
	}
	v, err := read()
	if err != nil {
		return err
	}
	return SetNumeric(rv, v)
}

// SetNumeric stores a decoded scalar into a settable numeric value
func SetNumeric(rv reflect.Value, v any) error {
	if !rv.CanSet() {
		return fmt.Errorf("%s is not settable", rv.Type())
	}
	switch {
	case rv.CanFloat():
		x, err := device.Float64s(v)
		if err != nil || len(x) != 1 {
			return fmt.Errorf("cannot store %v into %s", v, rv.Type())
		}
		rv.SetFloat(x[0])
	case rv.CanInt():
		x, err := device.Int64s(v)
		if err != nil || len(x) != 1 {
			return fmt.Errorf("cannot store %v into %s", v, rv.Type())
		}
		rv.SetInt(x[0])
	case rv.CanUint():
		x, err := device.Int64s(v)
		if err != nil || len(x) != 1 {
			return fmt.Errorf("cannot store %v into %s", v, rv.Type())
		}
		rv.SetUint(uint64(x[0]))
	case rv.Kind() == reflect.Bool:
		x, err := device.Int64s(v)
		if err != nil || len(x) != 1 {
			return fmt.Errorf("cannot store %v into %s", v, rv.Type())
		}
		rv.SetBool(x[0] != 0)
	default:
		return fmt.Errorf("cannot store %v into %s", v, rv.Type())
	}
	return nil
}
