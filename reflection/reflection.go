// Package reflection describes the metadata a compiled device program exposes
// about its functions and types. The device compiler owns the real
// implementation; Module is an in-memory implementation built with a fluent
// API for hosts that describe programs directly and for tests.
package reflection

import "fmt"

// Kind tags a reflected type
type Kind int

const (
	KindNone Kind = iota
	KindScalar
	KindVector
	KindMatrix
	KindArray
	KindStruct
	KindInterface
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindVector:
		return "vector"
	case KindMatrix:
		return "matrix"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindInterface:
		return "interface"
	case KindGeneric:
		return "generic"
	default:
		return "none"
	}
}

// ScalarType is the element type of scalar, vector and matrix types
type ScalarType int

const (
	ScalarVoid ScalarType = iota
	ScalarBool
	ScalarInt32
	ScalarUInt32
	ScalarInt64
	ScalarUInt64
	ScalarFloat16
	ScalarFloat32
	ScalarFloat64
)

// Family groups scalar types that convert into each other on assignment
type Family int

const (
	FamilyNone Family = iota
	FamilyBool
	FamilySigned
	FamilyUnsigned
	FamilyFloat
)

// Name returns the device-side spelling of the scalar type
func (s ScalarType) Name() string {
	switch s {
	case ScalarBool:
		return "bool"
	case ScalarInt32:
		return "int"
	case ScalarUInt32:
		return "uint"
	case ScalarInt64:
		return "int64_t"
	case ScalarUInt64:
		return "uint64_t"
	case ScalarFloat16:
		return "half"
	case ScalarFloat32:
		return "float"
	case ScalarFloat64:
		return "double"
	default:
		return "void"
	}
}

func (s ScalarType) String() string { return s.Name() }

// Size returns the size in bytes of one element
func (s ScalarType) Size() int {
	switch s {
	case ScalarBool, ScalarInt32, ScalarUInt32, ScalarFloat32:
		return 4
	case ScalarInt64, ScalarUInt64, ScalarFloat64:
		return 8
	case ScalarFloat16:
		return 2
	default:
		return 0
	}
}

func (s ScalarType) Family() Family {
	switch s {
	case ScalarBool:
		return FamilyBool
	case ScalarInt32, ScalarInt64:
		return FamilySigned
	case ScalarUInt32, ScalarUInt64:
		return FamilyUnsigned
	case ScalarFloat16, ScalarFloat32, ScalarFloat64:
		return FamilyFloat
	default:
		return FamilyNone
	}
}

// Differentiable reports whether values of this scalar type carry derivatives
func (s ScalarType) Differentiable() bool {
	return s.Family() == FamilyFloat
}

// Modifier is a set of declaration modifiers
type Modifier uint16

const (
	ModIn Modifier = 1 << iota
	ModOut
	ModInOut
	ModNoDiff
	ModMutating
	ModStatic
	ModDifferentiable
)

// Has reports whether all bits of m are set
func (mod Modifier) Has(m Modifier) bool {
	return mod&m == m
}

// IOType is the data direction of a parameter
type IOType int

const (
	IOIn IOType = iota
	IOOut
	IOInOut
)

func (io IOType) String() string {
	switch io {
	case IOOut:
		return "out"
	case IOInOut:
		return "inout"
	default:
		return "in"
	}
}

// IOFromModifiers maps declared modifiers onto a direction, defaulting to in
func IOFromModifiers(m Modifier) IOType {
	switch {
	case m.Has(ModInOut):
		return IOInOut
	case m.Has(ModOut):
		return IOOut
	default:
		return IOIn
	}
}

// Type is a reflected device type
type Type interface {
	Kind() Kind
	// Name is the declared name without generic arguments
	Name() string
	// FullName includes generic arguments, e.g. ITest<float,2>
	FullName() string
	ScalarType() ScalarType
	ElementType() Type
	// ElementCount is the vector or array extent; 0 means unsized
	ElementCount() int
	Fields() []Variable
	Methods() []Function
	// Conformances lists the full names of the interfaces a struct implements
	Conformances() []string
	// Constraint is the interface a generic parameter is constrained by, or nil
	Constraint() Type
	Differentiable() bool
}

// Variable is a reflected parameter or struct field
type Variable interface {
	Name() string
	Type() Type
	Modifiers() Modifier
	HasDefault() bool
}

// Function is a reflected device function
type Function interface {
	Name() string
	Parameters() []Variable
	// ReturnType is nil or the void scalar for functions returning nothing
	ReturnType() Type
	Modifiers() Modifier
}

// Program is the reflection surface of one compiled device module
type Program interface {
	// Name is the module name the generated source imports
	Name() string
	FindFunction(name string) (Function, bool)
	FindType(name string) (Type, bool)
	FindMethod(typeName, method string) (Function, bool)
	Scalar(s ScalarType) Type
	Vector(s ScalarType, n int) Type
}

// IsVoid reports whether t represents the absence of a value
func IsVoid(t Type) bool {
	return t == nil || (t.Kind() == KindScalar && t.ScalarType() == ScalarVoid)
}

// IsConstructor reports whether fn is a type initializer
func IsConstructor(fn Function) bool {
	return fn.Name() == "$init"
}

// LeafScalar walks element types down to the scalar at the bottom of t
func LeafScalar(t Type) (ScalarType, error) {
	for t != nil {
		switch t.Kind() {
		case KindScalar, KindVector, KindMatrix:
			return t.ScalarType(), nil
		case KindArray:
			t = t.ElementType()
		default:
			return ScalarVoid, fmt.Errorf("type %s has no scalar element", t.FullName())
		}
	}
	return ScalarVoid, fmt.Errorf("nil type has no scalar element")
}

// Arity returns the number of scalars in one value of t, 0 for non-numeric types
func Arity(t Type) int {
	switch t.Kind() {
	case KindScalar:
		return 1
	case KindVector:
		return t.ElementCount()
	case KindMatrix:
		return t.ElementCount() * t.ElementType().ElementCount()
	case KindArray:
		return t.ElementCount() * Arity(t.ElementType())
	default:
		return 0
	}
}
