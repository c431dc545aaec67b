package typeregistry

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/reflection"
	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/mat"
)

// HostConstructor builds the descriptor of a host value. It may call back
// into the registry for nested values.
type HostConstructor func(r *Registry, v any) (Descriptor, error)

type ifaceConstructor struct {
	iface reflect.Type
	ctor  HostConstructor
}

// Registry resolves host values and reflected types to descriptors.
// Lookups go, in order, through the exact Go type table, the interface table
// and the reflect.Kind category table.
type Registry struct {
	mu       sync.RWMutex
	byType   map[reflect.Type]HostConstructor
	ifaces   []ifaceConstructor
	byKind   map[reflect.Kind]HostConstructor
	returns  map[reflect.Type]ReturnType
	interned map[string]Descriptor
}

// NewRegistry returns a registry with constructors for the built-in host
// value categories.
func NewRegistry() *Registry {
	r := &Registry{
		byType:   make(map[reflect.Type]HostConstructor),
		byKind:   make(map[reflect.Kind]HostConstructor),
		returns:  make(map[reflect.Type]ReturnType),
		interned: make(map[string]Descriptor),
	}
	r.Register(reflect.TypeFor[*NDBuffer](), ndBufferType)
	r.Register(reflect.TypeFor[*NDDifferentiableBuffer](), ndDiffBufferType)
	r.Register(reflect.TypeFor[*ValueRef](), valueRefType)
	r.RegisterInterface(reflect.TypeFor[Generator](), generatedType)
	r.RegisterInterface(reflect.TypeFor[mat.Matrix](), matrixHostArray)

	for _, k := range []reflect.Kind{
		reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Array,
	} {
		r.RegisterKind(k, goValueType)
	}
	r.RegisterKind(reflect.Slice, sliceHostArray)
	r.RegisterKind(reflect.Map, mapStruct)
	r.RegisterKind(reflect.Struct, goStruct)
	r.RegisterKind(reflect.Pointer, pointerToStruct)

	r.RegisterReturn(reflect.TypeFor[*ValueRef](), ValueReturn{})
	r.RegisterReturn(reflect.TypeFor[*NDBuffer](), BufferReturn{})
	r.RegisterReturn(reflect.TypeFor[*NDDifferentiableBuffer](), DiffBufferReturn{})
	return r
}

// Register adds a constructor for values of exactly type t
func (r *Registry) Register(t reflect.Type, c HostConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = c
}

// RegisterInterface adds a constructor for values implementing iface.
// Interfaces are tried in registration order.
func (r *Registry) RegisterInterface(iface reflect.Type, c HostConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces = append(r.ifaces, ifaceConstructor{iface: iface, ctor: c})
}

// RegisterKind adds a fallback constructor for a whole reflect.Kind
func (r *Registry) RegisterKind(k reflect.Kind, c HostConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[k] = c
}

// RegisterReturn associates a Go type with a ReturnType, so that
// ReturnFor(reflect.TypeFor[T]()) selects it.
func (r *Registry) RegisterReturn(t reflect.Type, rt ReturnType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.returns[t] = rt
}

// ReturnFor resolves a ReturnType from a ReturnType, a reflect.Type or a
// sample value of a registered type.
func (r *Registry) ReturnFor(v any) (ReturnType, error) {
	if rt, ok := v.(ReturnType); ok {
		return rt, nil
	}
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	r.mu.RLock()
	rt, ok := r.returns[t]
	r.mu.RUnlock()
	if !ok {
		return nil, callerr.UnknownType("return type %v", t)
	}
	return rt, nil
}

// Intern returns the canonical descriptor with the same key as d
func (r *Registry) Intern(d Descriptor) Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.interned[d.Key()]; ok {
		return existing
	}
	r.interned[d.Key()] = d
	return d
}

// Interned returns the number of distinct descriptors seen so far
func (r *Registry) Interned() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.interned)
}

func (r *Registry) lookup(v any) (HostConstructor, bool) {
	rt := reflect.TypeOf(v)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byType[rt]; ok {
		return c, true
	}
	for _, ic := range r.ifaces {
		if rt.Implements(ic.iface) {
			return ic.ctor, true
		}
	}
	c, ok := r.byKind[rt.Kind()]
	return c, ok
}

// FromValue returns the descriptor of a host value
func (r *Registry) FromValue(v any) (Descriptor, error) {
	if v == nil {
		return nil, callerr.UnknownType("nil host value")
	}
	c, ok := r.lookup(v)
	if !ok {
		return nil, callerr.UnknownType("host value of type %T", v)
	}
	d, err := c(r, v)
	if err != nil {
		return nil, err
	}
	return r.Intern(d), nil
}

// FromReflection returns the descriptor of a reflected device type
func (r *Registry) FromReflection(t reflection.Type) (Descriptor, error) {
	if t == nil {
		return nil, callerr.UnknownType("nil reflected type")
	}
	var d Descriptor
	switch t.Kind() {
	case reflection.KindScalar:
		if t.ScalarType() == reflection.ScalarVoid {
			return nil, callerr.UnknownType("void has no descriptor")
		}
		d = Scalar(t.ScalarType())
	case reflection.KindVector:
		d = Vector(t.ScalarType(), t.ElementCount())
	case reflection.KindMatrix:
		cols := 0
		if row := t.ElementType(); row != nil {
			cols = row.ElementCount()
		}
		d = Matrix(t.ScalarType(), t.ElementCount(), cols)
	case reflection.KindArray:
		elem, err := r.FromReflection(t.ElementType())
		if err != nil {
			return nil, fmt.Errorf("element of %s: %w", t.FullName(), err)
		}
		d = Array(elem, t.ElementCount())
	case reflection.KindStruct:
		var fields []Field
		for _, f := range t.Fields() {
			fd, err := r.FromReflection(f.Type())
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", t.FullName(), f.Name(), err)
			}
			fields = append(fields, Field{Name: f.Name(), Type: fd})
		}
		st := NewStructType(t.FullName(), fields)
		st.diff = st.diff || t.Differentiable()
		d = st
	case reflection.KindInterface:
		d = NewInterfaceType(t)
	case reflection.KindGeneric:
		var constraint *InterfaceType
		if c := t.Constraint(); c != nil {
			cd, err := r.FromReflection(c)
			if err != nil {
				return nil, err
			}
			ic, ok := cd.(*InterfaceType)
			if !ok {
				return nil, callerr.UnknownType("generic %s constrained by non-interface %s", t.Name(), c.FullName())
			}
			constraint = ic
		}
		d = NewGenericType(t.Name(), constraint)
	default:
		return nil, callerr.UnknownType("reflected %s type %s", t.Kind(), t.FullName())
	}
	return r.Intern(d), nil
}

func scalarOfKind(k reflect.Kind) (reflection.ScalarType, bool) {
	switch k {
	case reflect.Bool:
		return reflection.ScalarBool, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return reflection.ScalarInt32, true
	case reflect.Int64:
		return reflection.ScalarInt64, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return reflection.ScalarUInt32, true
	case reflect.Uint64:
		return reflection.ScalarUInt64, true
	case reflect.Float32:
		return reflection.ScalarFloat32, true
	case reflect.Float64:
		return reflection.ScalarFloat64, true
	}
	return reflection.ScalarVoid, false
}

// fromGoType maps scalar and fixed array Go types. Arrays of two to four
// scalars are vectors.
func fromGoType(rt reflect.Type) (Descriptor, error) {
	if s, ok := scalarOfKind(rt.Kind()); ok {
		return Scalar(s), nil
	}
	if rt.Kind() == reflect.Array {
		if s, ok := scalarOfKind(rt.Elem().Kind()); ok && rt.Len() >= 2 && rt.Len() <= 4 {
			return Vector(s, rt.Len()), nil
		}
		elem, err := fromGoType(rt.Elem())
		if err != nil {
			return nil, err
		}
		return Array(elem, rt.Len()), nil
	}
	return nil, callerr.UnknownType("Go type %s", rt)
}

func goValueType(_ *Registry, v any) (Descriptor, error) {
	return fromGoType(reflect.TypeOf(v))
}

func sliceHostArray(_ *Registry, v any) (Descriptor, error) {
	rt := reflect.TypeOf(v)
	rank := 0
	for rt.Kind() == reflect.Slice {
		rank++
		rt = rt.Elem()
	}
	elem, err := fromGoType(rt)
	if err != nil {
		return nil, err
	}
	if _, err := HostArrayShape(v, rank); err != nil {
		return nil, err
	}
	return NewHostArrayType(elem, rank, true), nil
}

func matrixHostArray(_ *Registry, v any) (Descriptor, error) {
	_, writable := v.(*mat.Dense)
	return NewHostArrayType(Scalar(reflection.ScalarFloat64), 2, writable), nil
}

func ndBufferType(_ *Registry, v any) (Descriptor, error) {
	b := v.(*NDBuffer)
	if b.Element == nil {
		return nil, fmt.Errorf("NDBuffer has no element type")
	}
	return NewBufferType(b.Element, b.Shape.Rank(), b.Writable()), nil
}

func ndDiffBufferType(_ *Registry, v any) (Descriptor, error) {
	b := v.(*NDDifferentiableBuffer)
	if b.Element == nil {
		return nil, fmt.Errorf("NDDifferentiableBuffer has no element type")
	}
	gradWritable := b.Grad != nil && b.Grad.Writable()
	return NewDiffBufferType(b.Element, b.Shape.Rank(), b.Writable(), b.Grad != nil, gradWritable), nil
}

func valueRefType(r *Registry, v any) (Descriptor, error) {
	ref := v.(*ValueRef)
	if ref.Value == nil {
		return nil, callerr.UnknownType("ValueRef holding nil")
	}
	elem, err := r.FromValue(ref.Value)
	if err != nil {
		return nil, err
	}
	return NewValueRefType(elem), nil
}

func generatedType(_ *Registry, v any) (Descriptor, error) {
	return NewGeneratedType(v.(Generator)), nil
}

func mapStruct(r *Registry, v any) (Descriptor, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, callerr.UnknownType("map of type %T", v)
	}
	names := maps.Keys(m)
	slices.Sort(names)
	var fields []Field
	for _, name := range names {
		fd, err := r.FromValue(m[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, Field{Name: name, Type: fd})
	}
	return NewStructType("dict", fields), nil
}

func goStruct(r *Registry, v any) (Descriptor, error) {
	rv := reflect.ValueOf(v)
	names, index := goStructFields(rv.Type())
	var fields []Field
	for _, name := range names {
		fd, err := r.FromValue(rv.FieldByIndex(index[name]).Interface())
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", rv.Type().Name(), name, err)
		}
		fields = append(fields, Field{Name: name, Type: fd})
	}
	st := NewStructType(rv.Type().Name(), fields)
	st.key = "gostruct:" + rv.Type().String() + fieldKey(fields)
	st.goFields = index
	if dt, ok := v.(DeviceTyped); ok {
		st.DeviceName = dt.DeviceType()
		st.key += "@" + st.DeviceName
	}
	return st, nil
}

func pointerToStruct(r *Registry, v any) (Descriptor, error) {
	rv := reflect.ValueOf(v)
	if rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, callerr.UnknownType("host value of type %T", v)
	}
	d, err := goStruct(r, rv.Elem().Interface())
	if err != nil {
		return nil, err
	}
	st := d.(*StructType)
	if dt, ok := v.(DeviceTyped); ok && st.DeviceName == "" {
		st.DeviceName = dt.DeviceType()
		st.key += "@" + st.DeviceName
	}
	return st, nil
}
