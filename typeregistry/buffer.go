package typeregistry

import (
	"fmt"

	"github.com/notargets/kernelcall/device"
)

// NDBuffer is an N-dimensional view of a device buffer with row-major strides
type NDBuffer struct {
	Buffer  device.Buffer
	Element Descriptor
	Shape   Shape
	Strides []int
	Usage   device.ResourceUsage
}

// NewNDBuffer allocates a buffer of the given element type and shape. A zero
// usage defaults to shader resource plus unordered access.
func NewNDBuffer(dev device.Device, element Descriptor, shape Shape, usage device.ResourceUsage) (*NDBuffer, error) {
	if !shape.Concrete() {
		return nil, fmt.Errorf("buffer shape %s is not concrete", shape)
	}
	size, err := SizeOf(element)
	if err != nil {
		return nil, fmt.Errorf("buffer element: %w", err)
	}
	if usage == device.UsageNone {
		usage = device.UsageReadWrite
	}
	buf, err := dev.CreateBuffer(shape.Elements(), size, usage)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %s buffer of shape %s: %w", element.Name(), shape, err)
	}
	return &NDBuffer{
		Buffer:  buf,
		Element: element,
		Shape:   shape.Clone(),
		Strides: device.RowMajorStrides(shape),
		Usage:   usage,
	}, nil
}

// Writable reports whether kernels may store into the buffer
func (b *NDBuffer) Writable() bool {
	return b.Usage.Has(device.UsageUnorderedAccess)
}

// Format returns the element layout
func (b *NDBuffer) Format() (device.Format, error) {
	return FormatOf(b.Element)
}

// CopyFrom uploads host data: a scalar slice, nested slices, a Go array
// element slice, or a mat.Matrix. Values are converted to the element type.
func (b *NDBuffer) CopyFrom(data any) error {
	f, err := b.Format()
	if err != nil {
		return err
	}
	raw, err := EncodeHostArray(data, f)
	if err != nil {
		return err
	}
	if len(raw) != b.Buffer.ElementCount()*b.Buffer.ElementSize() {
		return fmt.Errorf("host data holds %d bytes, buffer of shape %s needs %d",
			len(raw), b.Shape, b.Buffer.ElementCount()*b.Buffer.ElementSize())
	}
	return b.Buffer.Write(raw)
}

// CopyTo downloads the buffer into dst, a slice, nested slices or *mat.Dense
// of matching size.
func (b *NDBuffer) CopyTo(dst any) error {
	f, err := b.Format()
	if err != nil {
		return err
	}
	raw, err := b.Buffer.Read()
	if err != nil {
		return err
	}
	return DecodeHostArray(raw, f, dst)
}

// Float32s reads the buffer as a flat float32 slice
func (b *NDBuffer) Float32s() ([]float32, error) {
	f, err := b.Format()
	if err != nil {
		return nil, err
	}
	out := make([]float32, b.Shape.Elements()*f.Count)
	if err := b.CopyTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *NDBuffer) Release() error {
	return b.Buffer.Release()
}

// NDDifferentiableBuffer pairs a primal buffer with an optional gradient
// buffer of the same shape.
type NDDifferentiableBuffer struct {
	NDBuffer
	// Grad is nil when gradients are not required
	Grad *NDBuffer
}

// NewNDDifferentiableBuffer allocates a primal buffer and, when requiresGrad
// is set, a gradient buffer of the element's derivative type.
func NewNDDifferentiableBuffer(dev device.Device, element Descriptor, shape Shape, requiresGrad bool, usage device.ResourceUsage) (*NDDifferentiableBuffer, error) {
	primal, err := NewNDBuffer(dev, element, shape, usage)
	if err != nil {
		return nil, err
	}
	out := &NDDifferentiableBuffer{NDBuffer: *primal}
	if requiresGrad {
		deriv := element.Derivative()
		if deriv == nil {
			_ = primal.Release()
			return nil, fmt.Errorf("element %s is not differentiable", element.Name())
		}
		grad, err := NewNDBuffer(dev, deriv, shape, device.UsageReadWrite)
		if err != nil {
			_ = primal.Release()
			return nil, err
		}
		out.Grad = grad
	}
	return out, nil
}

func (b *NDDifferentiableBuffer) Release() error {
	err := b.NDBuffer.Release()
	if b.Grad != nil {
		if gerr := b.Grad.Release(); err == nil {
			err = gerr
		}
	}
	return err
}

// BufferType describes an NDBuffer of a given element type and rank
type BufferType struct {
	base
	Rank int
	elem Descriptor
}

// NewBufferType returns the descriptor of a buffer
func NewBufferType(elem Descriptor, rank int, writable bool) *BufferType {
	prefix := ""
	if writable {
		prefix = "RW"
	}
	name := fmt.Sprintf("%sNDBuffer<%s,%d>", prefix, elem.Name(), rank)
	return &BufferType{
		base: base{kind: KindBuffer, name: name, key: "buffer:" + name, scalar: elem.Scalar(),
			writable: writable, diff: elem.Differentiable()},
		Rank: rank,
		elem: elem,
	}
}

func (t *BufferType) ElementType() Descriptor { return t.elem }
func (t *BufferType) ContainerShape() Shape   { return UnknownShape(t.Rank) }

func (t *BufferType) ValueShape(v any) Shape {
	if b, ok := v.(*NDBuffer); ok {
		return b.Shape.Clone()
	}
	return t.ContainerShape()
}

func (t *BufferType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return NewBufferType(t.elem.Derivative(), t.Rank, t.writable)
}

// DiffBufferType describes an NDDifferentiableBuffer
type DiffBufferType struct {
	base
	Rank         int
	elem         Descriptor
	GradWritable bool
}

// NewDiffBufferType returns the descriptor of a differentiable buffer.
// hasGrad records whether values carry a gradient buffer.
func NewDiffBufferType(elem Descriptor, rank int, writable, hasGrad, gradWritable bool) *DiffBufferType {
	prefix := ""
	if writable {
		prefix = "RW"
	}
	name := fmt.Sprintf("%sNDDifferentiableBuffer<%s,%d>", prefix, elem.Name(), rank)
	key := fmt.Sprintf("diffbuffer:%s:grad=%t:rwgrad=%t", name, hasGrad, gradWritable)
	return &DiffBufferType{
		base: base{kind: KindDiffBuffer, name: name, key: key, scalar: elem.Scalar(),
			writable: writable, diff: elem.Differentiable(), hasDeriv: hasGrad && elem.Differentiable()},
		Rank:         rank,
		elem:         elem,
		GradWritable: gradWritable,
	}
}

func (t *DiffBufferType) ElementType() Descriptor { return t.elem }
func (t *DiffBufferType) ContainerShape() Shape   { return UnknownShape(t.Rank) }

func (t *DiffBufferType) ValueShape(v any) Shape {
	if b, ok := v.(*NDDifferentiableBuffer); ok {
		return b.Shape.Clone()
	}
	return t.ContainerShape()
}

func (t *DiffBufferType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	return NewBufferType(t.elem.Derivative(), t.Rank, t.GradWritable)
}
