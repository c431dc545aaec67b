package runner

import (
	"fmt"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/typeregistry"
)

// Struct is a handle on a device struct type and its methods
type Struct struct {
	module *Module
	name   string
}

// Struct returns a handle on a struct type of the program
func (m *Module) Struct(name string) (*Struct, error) {
	t, ok := m.Program().FindType(name)
	if !ok {
		return nil, callerr.UnknownType("type %s in module %s", name, m.Program().Name())
	}
	if t.Kind() != reflection.KindStruct {
		return nil, callerr.TypeMismatch(name, "struct", t.Kind().String(), "only structs have methods")
	}
	return &Struct{module: m, name: t.FullName()}, nil
}

func (s *Struct) Name() string { return s.name }

// Method returns a method of the struct. Instance methods take the
// receiver as the _this keyword; constructors ($init) and static methods
// take none.
func (s *Struct) Method(name string) (*Function, error) {
	if _, ok := s.module.Program().FindMethod(s.name, name); !ok {
		return nil, callerr.UnknownType("method %s.%s in module %s", s.name, name, s.module.Program().Name())
	}
	return &Function{module: s.module, name: name, receiver: s.name, mode: ModePrim}, nil
}

// Instance wraps a host value of the struct, a map[string]any or a Go
// struct, so its methods can be called on it. Mutating methods and
// constructors write fields back into maps and struct pointers.
func (s *Struct) Instance(data any) *Instance {
	return &Instance{typ: s, data: data}
}

// Instance is a host value bound to a device struct type
type Instance struct {
	typ  *Struct
	data any
}

func (in *Instance) Data() any     { return in.data }
func (in *Instance) Type() *Struct { return in.typ }

// Call calls a method with the instance as its receiver
func (in *Instance) Call(method string, args ...any) (any, error) {
	return in.CallKw(method, nil, args...)
}

// CallKw calls a method with keyword arguments. _this is supplied by the
// instance for methods that take a receiver.
func (in *Instance) CallKw(method string, kwargs Kwargs, args ...any) (any, error) {
	fn, err := in.typ.Method(method)
	if err != nil {
		return nil, err
	}
	program := in.typ.module.Program()
	decl, ok := program.FindMethod(in.typ.name, method)
	if !ok {
		return nil, callerr.UnknownType("method %s.%s in module %s", in.typ.name, method, program.Name())
	}
	kw := make(Kwargs, len(kwargs)+1)
	for k, v := range kwargs {
		kw[k] = v
	}
	if !reflection.IsConstructor(decl) && !decl.Modifiers().Has(reflection.ModStatic) {
		if _, ok := kw[device.ThisName]; ok {
			return nil, callerr.UnexpectedArgument(fn.Name(), device.ThisName, "supplied by the instance")
		}
		kw[device.ThisName] = in.data
	}
	return fn.CallKw(kw, args...)
}

// Construct runs the struct's constructor ($init) to initialize the
// instance. The instance must be a map or a pointer to a Go struct; a map
// gains any field it lacked.
func (in *Instance) Construct(args ...any) error {
	return in.ConstructKw(nil, args...)
}

// ConstructKw is Construct with keyword arguments
func (in *Instance) ConstructKw(kwargs Kwargs, args ...any) error {
	fn, err := in.typ.Method("$init")
	if err != nil {
		return err
	}
	if _, ok := kwargs[device.ResultName]; ok {
		return callerr.UnexpectedArgument(fn.Name(), device.ResultName, "supplied by the instance")
	}
	kw := make(Kwargs, len(kwargs)+1)
	for k, v := range kwargs {
		kw[k] = v
	}
	kw[device.ResultName] = in.data
	_, err = fn.CallKw(kw, args...)
	return err
}

func (in *Instance) structType() (*typeregistry.StructType, error) {
	d, err := in.typ.module.registry.FromValue(in.data)
	if err != nil {
		return nil, err
	}
	st, ok := d.(*typeregistry.StructType)
	if !ok {
		return nil, callerr.TypeMismatch("instance", in.typ.name, d.Name(), "not a struct value")
	}
	return st, nil
}

// Get returns the host value of a field
func (in *Instance) Get(field string) (any, error) {
	st, err := in.structType()
	if err != nil {
		return nil, err
	}
	v, ok := st.FieldValue(in.data, field)
	if !ok {
		return nil, callerr.MissingField(in.typ.name, field)
	}
	return v, nil
}

// Set replaces the host value of a field. Go struct instances must have
// been created from a pointer.
func (in *Instance) Set(field string, v any) error {
	st, err := in.structType()
	if err != nil {
		return err
	}
	if _, ok := st.Field(field); !ok {
		return callerr.MissingField(in.typ.name, field)
	}
	if err := st.SetFieldValue(in.data, field, v); err != nil {
		return fmt.Errorf("instance of %s: %w", in.typ.name, err)
	}
	return nil
}
