package typeregistry

import (
	"fmt"

	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
)

// ReturnContext describes the result slot of a call being bound
type ReturnContext struct {
	// DeviceType is the declared return type of the function
	DeviceType reflection.Type
	// Element is the descriptor of DeviceType
	Element Descriptor
	// CallShape is the broadcast shape of the call
	CallShape Shape
}

// ReturnType decides how an unbound return value is stored and what a call
// hands back to its caller.
type ReturnType interface {
	// Descriptor is the host type of the storage Allocate creates
	Descriptor(ctx ReturnContext) (Descriptor, error)
	Allocate(dev device.Device, ctx ReturnContext) (any, error)
	// Result converts the allocated storage after the call completes
	Result(storage any) (any, error)
}

// Discard suppresses the return value. The call returns nil.
var Discard ReturnType = discard{}

type discard struct{}

func (discard) Descriptor(ReturnContext) (Descriptor, error)       { return nil, nil }
func (discard) Allocate(device.Device, ReturnContext) (any, error) { return nil, nil }
func (discard) Result(any) (any, error)                            { return nil, nil }

// ValueReturn stores the result in a ValueRef and returns the value itself.
// It only applies to calls with an empty call shape.
type ValueReturn struct{}

func (ValueReturn) Descriptor(ctx ReturnContext) (Descriptor, error) {
	if ctx.CallShape.Rank() != 0 {
		return nil, fmt.Errorf("value return needs a scalar call, call shape is %s", ctx.CallShape)
	}
	return NewValueRefType(ctx.Element), nil
}

func (ValueReturn) Allocate(device.Device, ReturnContext) (any, error) {
	return &ValueRef{}, nil
}

func (ValueReturn) Result(storage any) (any, error) {
	ref, ok := storage.(*ValueRef)
	if !ok {
		return nil, fmt.Errorf("value return got %T", storage)
	}
	return ref.Value, nil
}

// BufferReturn allocates an NDBuffer over the full call shape and returns it
type BufferReturn struct{}

func (BufferReturn) Descriptor(ctx ReturnContext) (Descriptor, error) {
	return NewBufferType(ctx.Element, ctx.CallShape.Rank(), true), nil
}

func (BufferReturn) Allocate(dev device.Device, ctx ReturnContext) (any, error) {
	return NewNDBuffer(dev, ctx.Element, ctx.CallShape, device.UsageReadWrite)
}

func (BufferReturn) Result(storage any) (any, error) {
	return storage, nil
}

// DiffBufferReturn allocates an NDDifferentiableBuffer with a gradient buffer
type DiffBufferReturn struct{}

func (DiffBufferReturn) Descriptor(ctx ReturnContext) (Descriptor, error) {
	if ctx.Element.Derivative() == nil {
		return nil, fmt.Errorf("%s is not differentiable", ctx.Element.Name())
	}
	return NewDiffBufferType(ctx.Element, ctx.CallShape.Rank(), true, true, true), nil
}

func (DiffBufferReturn) Allocate(dev device.Device, ctx ReturnContext) (any, error) {
	return NewNDDifferentiableBuffer(dev, ctx.Element, ctx.CallShape, true, device.UsageReadWrite)
}

func (DiffBufferReturn) Result(storage any) (any, error) {
	return storage, nil
}

// DefaultReturn picks ValueReturn for scalar calls and BufferReturn otherwise
func DefaultReturn(ctx ReturnContext) ReturnType {
	if ctx.CallShape.Rank() == 0 {
		return ValueReturn{}
	}
	return BufferReturn{}
}
