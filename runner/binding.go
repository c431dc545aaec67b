package runner

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/runner/builder"
	"github.com/notargets/kernelcall/typeregistry"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
)

// CallMode selects the primal or the backward derivative form of a call
type CallMode string

const (
	ModePrim CallMode = "prim"
	ModeBwds CallMode = "bwds"
)

// Kwargs are keyword arguments of a call
type Kwargs map[string]any

// BoundVariable pairs one parameter or struct field with its host value
type BoundVariable struct {
	Name string
	// Path is the dotted name from the top-level parameter, e.g. "p.pos"
	Path  string
	Value any
	Host  typeregistry.Descriptor
	// Declared is the parameter type, DeviceType the concrete type it
	// resolved to for this call.
	Declared   reflection.Type
	DeviceType reflection.Type
	IO         reflection.IOType
	NoDiff     bool
	Access     builder.AccessPair
	// Shape is the container shape of the host value, empty for uniforms
	Shape     typeregistry.Shape
	Transform device.IndexTransform
	Children  []*BoundVariable
	// Auto is set on a _result allocated by the call itself
	Auto bool
	// Slot is set on a struct field the call writes back into its parent
	Slot *FieldSlot
}

// FieldSlot stands in for a plain field of a map or struct pointer that a
// call writes. The field is bound through Ref and stored back into Parent
// once the call completes.
type FieldSlot struct {
	Parent any
	Host   *typeregistry.StructType
	Field  string
	Ref    *typeregistry.ValueRef
}

// Store writes the value the call left in Ref into the parent
func (s *FieldSlot) Store() error {
	return s.Host.SetFieldValue(s.Parent, s.Field, s.Ref.Value)
}

// writesInPlace reports whether the fields of a host value can be replaced
// without replacing the value itself
func writesInPlace(value any) bool {
	if _, ok := value.(map[string]any); ok {
		return true
	}
	rv := reflect.ValueOf(value)
	return rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
}

// Child returns the named field binding
func (v *BoundVariable) Child(name string) *BoundVariable {
	for _, c := range v.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (v *BoundVariable) isStruct() bool {
	return v.Host != nil && v.Host.Kind() == typeregistry.KindStruct
}

// BoundCall is the binding graph of one call
type BoundCall struct {
	Function reflection.Function
	Receiver reflection.Type
	Mode     CallMode
	// Differentiable is set for functions declared differentiable
	Differentiable bool
	Args           []*BoundVariable
	CallShape      typeregistry.Shape
	// Return allocates an omitted _result
	Return typeregistry.ReturnType
	// Discard is set when the return value is suppressed
	Discard bool
}

// Arg returns the named top-level binding
func (c *BoundCall) Arg(name string) *BoundVariable {
	for _, a := range c.Args {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// QualifiedName is the function name, prefixed by its receiver type
func (c *BoundCall) QualifiedName() string {
	return qualifiedName(c.Function, c.Receiver)
}

func qualifiedName(fn reflection.Function, receiver reflection.Type) string {
	if receiver == nil {
		return fn.Name()
	}
	return receiver.FullName() + "." + fn.Name()
}

// CallSite is everything a caller supplies for one call
type CallSite struct {
	Function reflection.Function
	Receiver reflection.Type
	Mode     CallMode
	// Return selects how an omitted _result is stored, nil picks the default
	Return typeregistry.ReturnType
	Args   []any
	Kwargs Kwargs
}

// Bind matches the arguments of site to the signature of its function,
// resolves every declared type, broadcasts the call shape and, when the
// caller omitted it, prepares the _result. Every argument error of the call
// is returned at once; no source is generated for a call that fails here.
func Bind(res *Resolver, site CallSite) (*BoundCall, error) {
	if site.Mode == "" {
		site.Mode = ModePrim
	}
	fnName := qualifiedName(site.Function, site.Receiver)
	b := &binder{
		fnName: fnName,
		res:    res,
		mode:   site.Mode,
		diff:   site.Function.Modifiers().Has(reflection.ModDifferentiable),
	}
	sig := BuildSignature(site.Function, site.Receiver)

	values := make(map[string]any, len(sig))
	var errs error
	pos := 0
	for i, a := range site.Args {
		for pos < len(sig) && sig[pos].Synthetic {
			pos++
		}
		if pos >= len(sig) {
			errs = multierr.Append(errs, callerr.UnexpectedArgument(fnName, fmt.Sprintf("#%d", i), "too many positional arguments"))
			continue
		}
		values[sig[pos].Name] = a
		pos++
	}
	names := maps.Keys(site.Kwargs)
	slices.Sort(names)
	for _, name := range names {
		idx := slices.IndexFunc(sig, func(sv SignatureVariable) bool { return sv.Name == name })
		switch {
		case idx < 0:
			errs = multierr.Append(errs, callerr.UnexpectedArgument(fnName, name, "unknown keyword argument"))
		case hasKey(values, name):
			errs = multierr.Append(errs, callerr.UnexpectedArgument(fnName, name, "bound both by position and by keyword"))
		default:
			values[name] = site.Kwargs[name]
		}
	}

	call := &BoundCall{
		Function:       site.Function,
		Receiver:       site.Receiver,
		Mode:           site.Mode,
		Differentiable: b.diff,
	}
	var result *SignatureVariable
	for i, sv := range sig {
		value, ok := values[sv.Name]
		if !ok {
			switch {
			case sv.Name == device.ResultName && sv.Synthetic && sv.HasDefault:
				if site.Return == typeregistry.Discard {
					call.Discard = true
				} else if site.Mode == ModeBwds {
					errs = multierr.Append(errs, callerr.MissingArgument(fnName, sv.Name))
				} else {
					result = &sig[i]
				}
			case !sv.HasDefault:
				errs = multierr.Append(errs, callerr.MissingArgument(fnName, sv.Name))
			}
			continue
		}
		v, err := b.bind(sv.Name, sv.Name, value, sv.Type, sv.IO, sv.NoDiff)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		call.Args = append(call.Args, v)
	}
	if errs != nil {
		return nil, errs
	}

	if _, err := Broadcast(call); err != nil {
		return nil, err
	}
	if result != nil {
		v, rt, err := b.autoResult(*result, call.CallShape, site.Return)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, v)
		call.Return = rt
	}
	return call, nil
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

type binder struct {
	fnName string
	res    *Resolver
	mode   CallMode
	diff   bool
}

func (b *binder) describe(value any, declared reflection.Type) (typeregistry.Descriptor, error) {
	reg := b.res.Registry
	if ref, ok := value.(*typeregistry.ValueRef); ok && ref != nil && ref.Value == nil {
		// an empty ValueRef takes the declared type
		elem, err := reg.FromReflection(declared)
		if err != nil {
			return nil, err
		}
		return reg.Intern(typeregistry.NewValueRefType(elem)), nil
	}
	return reg.FromValue(value)
}

func (b *binder) bind(name, path string, value any, declared reflection.Type, io reflection.IOType, noDiff bool) (*BoundVariable, error) {
	host, err := b.describe(value, declared)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v := &BoundVariable{
		Name:     name,
		Path:     path,
		Value:    value,
		Host:     host,
		Declared: declared,
		IO:       io,
		NoDiff:   noDiff,
	}
	if v.DeviceType, err = b.res.Resolve(v); err != nil {
		return nil, err
	}
	if v.isStruct() {
		return v, b.bindFields(v)
	}
	return v, b.assignAccess(v)
}

// bindFields builds one child per declared field of the resolved struct
func (b *binder) bindFields(v *BoundVariable) error {
	st := v.Host.(*typeregistry.StructType)
	slots := b.mode == ModePrim && v.IO != reflection.IOIn && writesInPlace(v.Value)
	var errs error
	declared := make(map[string]bool)
	for _, f := range v.DeviceType.Fields() {
		declared[f.Name()] = true
		fv, ok := st.FieldValue(v.Value, f.Name())
		var slot *FieldSlot
		switch {
		case !ok && slots && v.IO == reflection.IOOut:
			// the call creates out fields the host value lacks
			slot = &FieldSlot{Parent: v.Value, Host: st, Field: f.Name(), Ref: &typeregistry.ValueRef{}}
		case !ok:
			errs = multierr.Append(errs, callerr.MissingField(v.DeviceType.FullName(), f.Name()))
			continue
		case slots && b.plainValue(fv):
			slot = &FieldSlot{Parent: v.Value, Host: st, Field: f.Name(), Ref: &typeregistry.ValueRef{Value: fv}}
		}
		if slot != nil {
			fv = slot.Ref
		}
		noDiff := v.NoDiff || f.Modifiers().Has(reflection.ModNoDiff)
		child, err := b.bind(f.Name(), v.Path+"."+f.Name(), fv, f.Type(), v.IO, noDiff)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		child.Slot = slot
		v.Children = append(v.Children, child)
		v.Access = v.Access.Max(child.Access)
	}
	for _, hf := range st.Fields() {
		if !declared[hf.Name] {
			errs = multierr.Append(errs, callerr.UnexpectedArgument(b.fnName, v.Path+"."+hf.Name,
				"field is not declared by "+v.DeviceType.FullName()))
		}
	}
	return errs
}

// plainValue reports whether a field value is a numeric leaf that the call
// cannot write in place
func (b *binder) plainValue(value any) bool {
	d, err := b.res.Registry.FromValue(value)
	if err != nil {
		return false
	}
	switch d.Kind() {
	case typeregistry.KindScalar, typeregistry.KindVector, typeregistry.KindMatrix:
		return true
	}
	return false
}

// assignAccess derives the access pair of a leaf from its direction, the
// call mode and whether a derivative flows through it.
func (b *binder) assignAccess(v *BoundVariable) error {
	d := b.diff && !v.NoDiff && v.Host.HasDerivative() && v.DeviceType.Differentiable()
	dRead, dReadWrite := builder.AccessNone, builder.AccessNone
	if d {
		dRead, dReadWrite = builder.AccessRead, builder.AccessReadWrite
	}

	var p builder.AccessPair
	switch {
	case b.mode == ModeBwds && v.IO == reflection.IOOut:
		p = builder.AccessPair{builder.AccessNone, dRead}
	case b.mode == ModeBwds:
		p = builder.AccessPair{builder.AccessRead, dReadWrite}
	case v.IO == reflection.IOOut:
		p = builder.AccessPair{builder.AccessReadWrite, builder.AccessNone}
	case v.IO == reflection.IOInOut:
		p = builder.AccessPair{builder.AccessReadWrite, dRead}
	default:
		p = builder.AccessPair{builder.AccessRead, dRead}
	}

	if p.Primal() == builder.AccessReadWrite && !v.Host.Writable() {
		return callerr.TypeMismatch(v.Path, v.DeviceType.FullName(), v.Host.Name(),
			v.IO.String()+" parameter needs writable storage")
	}
	if p.Derivative() == builder.AccessReadWrite {
		if deriv := v.Host.Derivative(); deriv == nil || !deriv.Writable() {
			return callerr.TypeMismatch(v.Path, v.DeviceType.FullName(), v.Host.Name(),
				"gradient storage is not writable")
		}
	}
	v.Access = p
	return nil
}

// autoResult prepares the _result of a call that did not supply one. It
// spans the whole call shape with the identity transform.
func (b *binder) autoResult(sv SignatureVariable, callShape typeregistry.Shape, override typeregistry.ReturnType) (*BoundVariable, typeregistry.ReturnType, error) {
	elem, err := b.res.Registry.FromReflection(sv.Type)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", device.ResultName, err)
	}
	ctx := typeregistry.ReturnContext{DeviceType: sv.Type, Element: elem, CallShape: callShape}
	rt := override
	if rt == nil {
		rt = typeregistry.DefaultReturn(ctx)
	}
	host, err := rt.Descriptor(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", device.ResultName, err)
	}
	transform := make(device.IndexTransform, callShape.Rank())
	for i := range transform {
		transform[i] = i
	}
	return &BoundVariable{
		Name:       device.ResultName,
		Path:       device.ResultName,
		Host:       host,
		Declared:   sv.Type,
		DeviceType: sv.Type,
		IO:         reflection.IOOut,
		NoDiff:     sv.NoDiff,
		Access:     builder.AccessPair{builder.AccessReadWrite, builder.AccessNone},
		Shape:      callShape.Clone(),
		Transform:  transform,
		Auto:       true,
	}, rt, nil
}
