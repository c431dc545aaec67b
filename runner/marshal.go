package runner

import (
	"fmt"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/runner/builder"
	"github.com/notargets/kernelcall/typeregistry"
	"go.uber.org/multierr"
)

// ActionFlags are the host transfers a temporary buffer needs around a
// dispatch
type ActionFlags int

const (
	NoAction ActionFlags = 0
	// CopyTo uploads host data before the dispatch
	CopyTo ActionFlags = 1 << iota
	// CopyBack reads the buffer into the host value after the dispatch
	CopyBack
	Copy = CopyTo | CopyBack
)

// temporary is a per-call buffer standing in for a host array or ValueRef
type temporary struct {
	name    string
	buffer  *typeregistry.NDBuffer
	host    any
	actions ActionFlags
	// slot receives the copied back value of a struct field
	slot *FieldSlot
}

func (t *temporary) HasAction(a ActionFlags) bool {
	return t.actions&a != 0
}

// callFrame is the marshalled state of one call, alive from marshal until
// unmarshal returns
type callFrame struct {
	dev   device.Device
	reg   *typeregistry.Registry
	call  *BoundCall
	data  *device.CallData
	temps []*temporary
	// result is the storage allocated for an omitted _result
	result any
}

// marshal converts every bound variable into its transfer record, uploading
// host arrays and ValueRefs into temporary buffers and allocating the result.
func marshal(dev device.Device, reg *typeregistry.Registry, call *BoundCall) (*callFrame, error) {
	f := &callFrame{
		dev:  dev,
		reg:  reg,
		call: call,
		data: &device.CallData{
			Function:  call.QualifiedName(),
			Mode:      string(call.Mode),
			CallShape: append([]int(nil), call.CallShape...),
		},
	}
	for _, v := range call.Args {
		if v.Auto {
			if err := f.allocateResult(v); err != nil {
				return nil, multierr.Append(err, f.release())
			}
		}
		rec, err := f.record(v)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("marshalling %s: %w", v.Path, err), f.release())
		}
		f.data.Args = append(f.data.Args, rec)
	}
	if err := f.executeCopyActions(CopyTo); err != nil {
		return nil, multierr.Append(err, f.release())
	}
	return f, nil
}

func (f *callFrame) allocateResult(v *BoundVariable) error {
	elem, err := f.reg.FromReflection(v.DeviceType)
	if err != nil {
		return err
	}
	ctx := typeregistry.ReturnContext{DeviceType: v.DeviceType, Element: elem, CallShape: f.call.CallShape}
	storage, err := f.call.Return.Allocate(f.dev, ctx)
	if err != nil {
		return callerr.Device("allocate "+device.ResultName, err)
	}
	v.Value = storage
	f.result = storage
	return nil
}

func (f *callFrame) record(v *BoundVariable) (*device.Record, error) {
	if v.isStruct() {
		rec := &device.Record{
			Name:     v.Name,
			Kind:     device.RecordStruct,
			IO:       v.IO,
			Writable: v.Access.Primal() == builder.AccessReadWrite,
		}
		for _, c := range v.Children {
			cr, err := f.record(c)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", c.Name, err)
			}
			rec.Fields = append(rec.Fields, cr)
		}
		return rec, nil
	}
	if !v.Access.Active() {
		return &device.Record{Name: v.Name, Kind: device.RecordNone, IO: v.IO}, nil
	}

	primal := &device.Record{Kind: device.RecordNone}
	if v.Access.Primal() != builder.AccessNone {
		var err error
		if primal, err = f.primal(v); err != nil {
			return nil, err
		}
	}
	if v.Access.Derivative() == builder.AccessNone {
		primal.Name, primal.IO = v.Name, v.IO
		return primal, nil
	}
	derivative, err := f.derivative(v)
	if err != nil {
		return nil, err
	}
	return &device.Record{
		Name:       v.Name,
		Kind:       device.RecordDiffPair,
		IO:         v.IO,
		Writable:   primal.Writable,
		Format:     primal.Format,
		Primal:     primal,
		Derivative: derivative,
	}, nil
}

func (f *callFrame) primal(v *BoundVariable) (*device.Record, error) {
	writable := v.Access.Primal() == builder.AccessReadWrite
	switch host := v.Value.(type) {
	case *typeregistry.NDBuffer:
		return bufferRecord(host, v.Transform, writable)
	case *typeregistry.NDDifferentiableBuffer:
		return bufferRecord(&host.NDBuffer, v.Transform, writable)
	case *typeregistry.ValueRef:
		return f.valueRefRecord(v, host, writable)
	case typeregistry.Generator:
		s, n := host.Element()
		return &device.Record{
			Kind:      device.RecordGenerated,
			Format:    device.Format{Scalar: s, Count: n},
			Generator: host.GeneratorName(),
			Dims:      n,
			Seed:      host.Seed(),
			Params:    host.Params(),
		}, nil
	}
	if v.Host.Kind() == typeregistry.KindHostArray {
		return f.hostArrayRecord(v, writable)
	}
	return uniformRecord(v)
}

func (f *callFrame) derivative(v *BoundVariable) (*device.Record, error) {
	db, ok := v.Value.(*typeregistry.NDDifferentiableBuffer)
	if !ok || db.Grad == nil {
		return nil, fmt.Errorf("%s has no gradient storage", v.Host.Name())
	}
	return bufferRecord(db.Grad, v.Transform, v.Access.Derivative() == builder.AccessReadWrite)
}

func bufferRecord(b *typeregistry.NDBuffer, t device.IndexTransform, writable bool) (*device.Record, error) {
	format, err := b.Format()
	if err != nil {
		return nil, err
	}
	return &device.Record{
		Kind:      device.RecordBuffer,
		Writable:  writable,
		Format:    format,
		Buffer:    b.Buffer,
		Shape:     append([]int(nil), b.Shape...),
		Strides:   append([]int(nil), b.Strides...),
		Transform: t,
	}, nil
}

// elementFormat is the layout of one value of a resolved numeric type
func elementFormat(t reflection.Type) (device.Format, error) {
	s, err := reflection.LeafScalar(t)
	if err != nil {
		return device.Format{}, err
	}
	return device.Format{Scalar: s, Count: reflection.Arity(t)}, nil
}

// uniformRecord converts a host constant to the resolved element type
func uniformRecord(v *BoundVariable) (*device.Record, error) {
	format, err := elementFormat(v.DeviceType)
	if err != nil {
		return nil, err
	}
	raw, err := format.Encode(v.Value)
	if err != nil {
		return nil, err
	}
	value, err := format.Decode(raw)
	if err != nil {
		return nil, err
	}
	return &device.Record{Kind: device.RecordValue, Format: format, Value: value}, nil
}

func (f *callFrame) temporary(v *BoundVariable, shape typeregistry.Shape, host any, actions ActionFlags) (*typeregistry.NDBuffer, error) {
	elem, err := f.reg.FromReflection(v.DeviceType)
	if err != nil {
		return nil, err
	}
	buf, err := typeregistry.NewNDBuffer(f.dev, elem, shape, device.UsageReadWrite)
	if err != nil {
		return nil, callerr.Device("allocate "+v.Path, err)
	}
	f.temps = append(f.temps, &temporary{name: v.Path, buffer: buf, host: host, actions: actions})
	slogger().Debug("runner: temporary buffer", "name", v.Path, "shape", shape.String(), "actions", int(actions))
	return buf, nil
}

func (f *callFrame) hostArrayRecord(v *BoundVariable, writable bool) (*device.Record, error) {
	actions := CopyTo
	if writable {
		actions |= CopyBack
	}
	if v.IO == reflection.IOOut {
		actions &^= CopyTo
	}
	buf, err := f.temporary(v, v.Shape, v.Value, actions)
	if err != nil {
		return nil, err
	}
	return bufferRecord(buf, v.Transform, writable)
}

func (f *callFrame) valueRefRecord(v *BoundVariable, ref *typeregistry.ValueRef, writable bool) (*device.Record, error) {
	actions := NoAction
	if ref.Value != nil && v.IO != reflection.IOOut {
		actions |= CopyTo
	}
	if writable {
		actions |= CopyBack
	}
	buf, err := f.temporary(v, typeregistry.Shape{}, ref, actions)
	if err != nil {
		return nil, err
	}
	f.temps[len(f.temps)-1].slot = v.Slot
	return bufferRecord(buf, device.IndexTransform{}, writable)
}

// executeCopyActions performs the given action on every temporary that
// requests it
func (f *callFrame) executeCopyActions(action ActionFlags) error {
	for _, t := range f.temps {
		if !t.HasAction(action) {
			continue
		}
		var err error
		switch action {
		case CopyTo:
			err = t.copyTo()
		case CopyBack:
			err = t.copyBack()
		}
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", t.name, err)
		}
	}
	return nil
}

func (t *temporary) copyTo() error {
	if ref, ok := t.host.(*typeregistry.ValueRef); ok {
		return t.buffer.CopyFrom(ref.Value)
	}
	return t.buffer.CopyFrom(t.host)
}

func (t *temporary) copyBack() error {
	ref, ok := t.host.(*typeregistry.ValueRef)
	if !ok {
		return t.buffer.CopyTo(t.host)
	}
	format, err := t.buffer.Format()
	if err != nil {
		return err
	}
	raw, err := t.buffer.Buffer.Read()
	if err != nil {
		return err
	}
	if ref.Value, err = format.Decode(raw); err != nil {
		return err
	}
	if t.slot != nil {
		return t.slot.Store()
	}
	return nil
}

// unmarshal waits for the dispatch, copies writable temporaries back into
// their host values and returns the call's result. Temporaries are released
// in every case.
func (f *callFrame) unmarshal() (any, error) {
	if err := f.dev.WaitIdle(); err != nil {
		return nil, multierr.Append(callerr.Device("dispatch "+f.data.Function, err), f.release())
	}
	if err := f.executeCopyActions(CopyBack); err != nil {
		return nil, multierr.Append(err, f.release())
	}
	var result any
	if f.result != nil {
		var err error
		if result, err = f.call.Return.Result(f.result); err != nil {
			return nil, multierr.Append(err, f.releaseTemps())
		}
	}
	return result, f.releaseTemps()
}

func (f *callFrame) releaseTemps() error {
	var errs error
	for _, t := range f.temps {
		errs = multierr.Append(errs, t.buffer.Release())
	}
	f.temps = nil
	return errs
}

// release frees the temporaries and any allocated result storage after a
// failure
func (f *callFrame) release() error {
	errs := f.releaseTemps()
	if r, ok := f.result.(interface{ Release() error }); ok {
		errs = multierr.Append(errs, r.Release())
	}
	f.result = nil
	return errs
}
