package typeregistry

import (
	"fmt"

	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
)

// Generator is implemented by host markers whose value is computed per
// thread on the device instead of being transferred.
type Generator interface {
	// GeneratorName selects the device-side generator, e.g. device.GenWangHash
	GeneratorName() string
	// Import is the device module defining the generator type
	Import() string
	// DeviceType is the device-side storage type, e.g. WangHashArg<3>
	DeviceType() string
	// Element is the scalar type and component count produced per thread
	Element() (reflection.ScalarType, int)
	// Seed and Params are transferred with the call
	Seed() uint32
	Params() []float64
}

// WangHashArg yields Dims pseudo random uints per thread from a Wang hash of
// the thread index and Seed.
type WangHashArg struct {
	Dims     int
	SeedBase uint32
}

// NewWangHashArg returns a 3-component WangHashArg with the given seed
func NewWangHashArg(seed uint32) WangHashArg {
	return WangHashArg{Dims: 3, SeedBase: seed}
}

func (a WangHashArg) GeneratorName() string { return device.GenWangHash }
func (a WangHashArg) Import() string        { return "wanghasharg" }
func (a WangHashArg) DeviceType() string    { return fmt.Sprintf("WangHashArg<%d>", a.Dims) }
func (a WangHashArg) Seed() uint32          { return a.SeedBase }
func (a WangHashArg) Params() []float64     { return nil }

func (a WangHashArg) Element() (reflection.ScalarType, int) {
	return reflection.ScalarUInt32, a.Dims
}

// ThreadIDArg yields the thread coordinate, fastest axis first
type ThreadIDArg struct {
	Dims int
}

func (a ThreadIDArg) GeneratorName() string { return device.GenThreadID }
func (a ThreadIDArg) Import() string        { return "threadidarg" }
func (a ThreadIDArg) DeviceType() string    { return fmt.Sprintf("ThreadIDArg<%d>", a.Dims) }
func (a ThreadIDArg) Seed() uint32          { return 0 }
func (a ThreadIDArg) Params() []float64     { return nil }

func (a ThreadIDArg) Element() (reflection.ScalarType, int) {
	return reflection.ScalarInt32, a.Dims
}

// RandFloatArg yields Dims uniform floats in [Min, Max) per thread
type RandFloatArg struct {
	Min, Max float64
	Dims     int
	SeedBase uint32
}

func (a RandFloatArg) GeneratorName() string { return device.GenRandFloat }
func (a RandFloatArg) Import() string        { return "randfloatarg" }
func (a RandFloatArg) DeviceType() string    { return fmt.Sprintf("RandFloatArg<%d>", a.Dims) }
func (a RandFloatArg) Seed() uint32          { return a.SeedBase }
func (a RandFloatArg) Params() []float64     { return []float64{a.Min, a.Max} }

func (a RandFloatArg) Element() (reflection.ScalarType, int) {
	return reflection.ScalarFloat32, a.Dims
}

// GeneratedType describes a Generator value
type GeneratedType struct {
	base
	Gen  Generator
	elem Descriptor
}

// NewGeneratedType returns the descriptor of a generator. The seed and
// parameters are values, not part of the type.
func NewGeneratedType(g Generator) *GeneratedType {
	s, n := g.Element()
	var elem Descriptor = Scalar(s)
	if n > 1 {
		elem = Vector(s, n)
	}
	return &GeneratedType{
		base: base{kind: KindGenerated, name: g.DeviceType(), key: "generated:" + g.DeviceType(), scalar: s},
		Gen:  g,
		elem: elem,
	}
}

func (t *GeneratedType) ElementType() Descriptor { return t.elem }
func (t *GeneratedType) Derivative() Descriptor  { return nil }

// ValueRef is a single value the device may read and write. Writable
// parameters bound to a ValueRef receive the stored value after the call.
type ValueRef struct {
	Value any
}

// ValueRefType describes a ValueRef holding elem
type ValueRefType struct {
	base
	elem Descriptor
}

// NewValueRefType returns the descriptor of a ValueRef
func NewValueRefType(elem Descriptor) *ValueRefType {
	name := fmt.Sprintf("ValueRef<%s>", elem.Name())
	return &ValueRefType{
		base: base{kind: KindValueRef, name: name, key: "valueref:" + elem.Key(), scalar: elem.Scalar(),
			writable: true, diff: elem.Differentiable()},
		elem: elem,
	}
}

func (t *ValueRefType) ElementType() Descriptor { return t.elem }

func (t *ValueRefType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return NewValueRefType(t.elem.Derivative())
}
