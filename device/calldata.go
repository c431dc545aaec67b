package device

import (
	"fmt"

	"github.com/notargets/kernelcall/reflection"
)

// Names of the synthetic receiver and return value arguments
const (
	ThisName   = "_this"
	ResultName = "_result"
)

// Broadcast marks a local axis whose index is held at zero
const Broadcast = -1

// IndexTransform maps each local storage axis to the call-shape axis that
// indexes it, or Broadcast.
type IndexTransform []int

// Offset returns the element offset of the call coordinate coord in storage
// with the given per-axis element strides.
func (t IndexTransform) Offset(coord, strides []int) int {
	offset := 0
	for i, axis := range t {
		if axis == Broadcast {
			continue
		}
		offset += coord[axis] * strides[i]
	}
	return offset
}

// RecordKind selects how a Record is consumed by the kernel
type RecordKind int

const (
	// RecordNone is an inactive channel. Nothing is transferred.
	RecordNone RecordKind = iota
	// RecordValue is a uniform constant
	RecordValue
	// RecordBuffer is device storage indexed through a transform
	RecordBuffer
	// RecordStruct holds one record per field
	RecordStruct
	// RecordDiffPair holds a primal and a derivative record
	RecordDiffPair
	// RecordGenerated is a per-thread value computed on the device
	RecordGenerated
)

func (k RecordKind) String() string {
	switch k {
	case RecordValue:
		return "value"
	case RecordBuffer:
		return "buffer"
	case RecordStruct:
		return "struct"
	case RecordDiffPair:
		return "diffpair"
	case RecordGenerated:
		return "generated"
	default:
		return "none"
	}
}

// Format is the layout of one element: Count scalars of type Scalar
type Format struct {
	Scalar reflection.ScalarType
	Count  int
}

// Size returns the element size in bytes
func (f Format) Size() int {
	return f.Scalar.Size() * f.Count
}

func (f Format) String() string {
	if f.Count == 1 {
		return f.Scalar.Name()
	}
	return fmt.Sprintf("%s%d", f.Scalar.Name(), f.Count)
}

// Record is the transfer record of one bound variable
type Record struct {
	Name string
	Kind RecordKind
	IO   reflection.IOType
	// Writable is set when the kernel stores into this record
	Writable bool
	Format   Format

	// RecordValue: the uniform, already converted to Format
	Value any

	// RecordBuffer
	Buffer    Buffer
	Shape     []int
	Strides   []int
	Transform IndexTransform

	// RecordGenerated
	Generator string
	Dims      int
	Seed      uint32
	Params    []float64

	// RecordStruct
	Fields []*Record

	// RecordDiffPair
	Primal     *Record
	Derivative *Record
}

// ByteStrides returns the per-axis stride of a buffer record in bytes
func (r *Record) ByteStrides() []int {
	out := make([]int, len(r.Strides))
	for i, s := range r.Strides {
		out[i] = s * r.Format.Size()
	}
	return out
}

// Field returns the named child of a struct record
func (r *Record) Field(name string) (*Record, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// CallData is everything a kernel needs for one dispatch
type CallData struct {
	Function  string
	Mode      string
	CallShape []int
	Args      []*Record
}

// Arg returns the named top-level record
func (c *CallData) Arg(name string) (*Record, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// ThreadCount returns the number of threads the call shape describes
func ThreadCount(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Unravel writes the row-major coordinate of linear index i into coord
func Unravel(i int, shape, coord []int) {
	for axis := len(shape) - 1; axis >= 0; axis-- {
		if shape[axis] == 0 {
			coord[axis] = 0
			continue
		}
		coord[axis] = i % shape[axis]
		i /= shape[axis]
	}
}

// RowMajorStrides returns element strides for a contiguous row-major shape
func RowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// Generators understood by every backend
const (
	GenWangHash  = "wanghash"
	GenThreadID  = "threadid"
	GenRandFloat = "randfloat"
)
