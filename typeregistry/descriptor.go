// Package typeregistry maps host values and reflected device types onto
// semantic type descriptors. Descriptors are immutable and interned by their
// structural key, so two equal inputs always yield the same descriptor.
package typeregistry

import (
	"fmt"
	"strings"

	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
)

// Kind tags a Descriptor
type Kind int

const (
	KindScalar Kind = iota
	KindVector
	KindMatrix
	KindArray
	KindBuffer
	KindDiffBuffer
	KindHostArray
	KindStruct
	KindInterface
	KindGeneric
	KindGenerated
	KindValueRef
)

var kindNames = [...]string{
	KindScalar:     "scalar",
	KindVector:     "vector",
	KindMatrix:     "matrix",
	KindArray:      "array",
	KindBuffer:     "buffer",
	KindDiffBuffer: "diffbuffer",
	KindHostArray:  "hostarray",
	KindStruct:     "struct",
	KindInterface:  "interface",
	KindGeneric:    "generic",
	KindGenerated:  "generated",
	KindValueRef:   "valueref",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Container reports whether values of this kind hold elements indexed per
// thread rather than being a single uniform value.
func (k Kind) Container() bool {
	switch k {
	case KindBuffer, KindDiffBuffer, KindHostArray, KindValueRef, KindGenerated:
		return true
	}
	return false
}

// Descriptor is the semantic type of a host value or device type
type Descriptor interface {
	Kind() Kind
	// Name is the device-side spelling of the type
	Name() string
	// Key is the structural identity used for interning and specialization
	Key() string
	// ElementType is the type of one element; scalars return themselves
	ElementType() Descriptor
	// ContainerShape is the declared shape, Unknown axes are set by values
	ContainerShape() Shape
	// ValueShape is the concrete container shape of a bound host value
	ValueShape(v any) Shape
	Writable() bool
	Differentiable() bool
	// HasDerivative reports whether values carry derivative storage
	HasDerivative() bool
	// Derivative is the differentiated counterpart, nil when not differentiable
	Derivative() Descriptor
	Fields() []Field
	// Scalar is the scalar at the bottom of the element type
	Scalar() reflection.ScalarType
}

// Field is one named member of a struct descriptor
type Field struct {
	Name string
	Type Descriptor
}

type base struct {
	kind     Kind
	name     string
	key      string
	scalar   reflection.ScalarType
	writable bool
	diff     bool
	hasDeriv bool
}

func (b *base) Kind() Kind                    { return b.kind }
func (b *base) Name() string                  { return b.name }
func (b *base) Key() string                   { return b.key }
func (b *base) ContainerShape() Shape         { return Shape{} }
func (b *base) ValueShape(any) Shape          { return Shape{} }
func (b *base) Writable() bool                { return b.writable }
func (b *base) Differentiable() bool          { return b.diff }
func (b *base) HasDerivative() bool           { return b.hasDeriv }
func (b *base) Fields() []Field               { return nil }
func (b *base) Scalar() reflection.ScalarType { return b.scalar }
func (b *base) String() string                { return b.name }

// ScalarType is a single scalar value
type ScalarType struct {
	base
}

// Scalar returns the descriptor of scalar s
func Scalar(s reflection.ScalarType) *ScalarType {
	return &ScalarType{base{
		kind:   KindScalar,
		name:   s.Name(),
		key:    "scalar:" + s.Name(),
		scalar: s,
		diff:   s.Differentiable(),
	}}
}

func (t *ScalarType) ElementType() Descriptor { return t }

func (t *ScalarType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return t
}

// VectorType is an n-component vector
type VectorType struct {
	base
	Count int
	elem  *ScalarType
}

// Vector returns the descriptor of an n-component vector of s
func Vector(s reflection.ScalarType, n int) *VectorType {
	name := fmt.Sprintf("%s%d", s.Name(), n)
	return &VectorType{
		base:  base{kind: KindVector, name: name, key: "vector:" + name, scalar: s, diff: s.Differentiable()},
		Count: n,
		elem:  Scalar(s),
	}
}

func (t *VectorType) ElementType() Descriptor { return t.elem }

func (t *VectorType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return t
}

// MatrixType is a rows x cols matrix
type MatrixType struct {
	base
	Rows, Cols int
}

// Matrix returns the descriptor of a rows x cols matrix of s
func Matrix(s reflection.ScalarType, rows, cols int) *MatrixType {
	name := fmt.Sprintf("%s%dx%d", s.Name(), rows, cols)
	return &MatrixType{
		base: base{kind: KindMatrix, name: name, key: "matrix:" + name, scalar: s, diff: s.Differentiable()},
		Rows: rows,
		Cols: cols,
	}
}

func (t *MatrixType) ElementType() Descriptor { return Vector(t.scalar, t.Cols) }

func (t *MatrixType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return t
}

// ArrayType is a fixed size array passed by value
type ArrayType struct {
	base
	Count int
	elem  Descriptor
}

// Array returns the descriptor of an n-element array of elem
func Array(elem Descriptor, n int) *ArrayType {
	name := fmt.Sprintf("%s[%d]", elem.Name(), n)
	return &ArrayType{
		base:  base{kind: KindArray, name: name, key: "array:" + elem.Key() + fmt.Sprintf("[%d]", n), scalar: elem.Scalar(), diff: elem.Differentiable()},
		Count: n,
		elem:  elem,
	}
}

func (t *ArrayType) ElementType() Descriptor { return t.elem }

func (t *ArrayType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return Array(t.elem.Derivative(), t.Count)
}

// Element returns the per-thread element of a container, or d itself for
// uniform values.
func Element(d Descriptor) Descriptor {
	if d.Kind().Container() {
		return d.ElementType()
	}
	return d
}

// Arity returns the number of scalars in one value of d, 0 for non-numeric
// descriptors.
func Arity(d Descriptor) int {
	switch t := d.(type) {
	case *ScalarType:
		return 1
	case *VectorType:
		return t.Count
	case *MatrixType:
		return t.Rows * t.Cols
	case *ArrayType:
		return t.Count * Arity(t.elem)
	}
	return 0
}

// FormatOf returns the element layout of a numeric descriptor
func FormatOf(d Descriptor) (device.Format, error) {
	n := Arity(d)
	if n == 0 {
		return device.Format{}, fmt.Errorf("%s has no flat element layout", d.Name())
	}
	return device.Format{Scalar: d.Scalar(), Count: n}, nil
}

// SizeOf returns the byte size of one value of a numeric descriptor
func SizeOf(d Descriptor) (int, error) {
	f, err := FormatOf(d)
	if err != nil {
		return 0, err
	}
	return f.Size(), nil
}

func fieldKey(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Name + ":" + f.Type.Key()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
