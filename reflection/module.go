package reflection

import (
	"fmt"
	"strings"
)

// TypeInfo is the in-memory Type used by Module
type TypeInfo struct {
	kind           Kind
	name           string
	genericArgs    []string
	scalar         ScalarType
	elem           *TypeInfo
	count          int
	fields         []Variable
	methods        []Function
	conformances   []string
	constraint     *TypeInfo
	differentiable bool
}

// Scalar creates a scalar type
func Scalar(s ScalarType) *TypeInfo {
	return &TypeInfo{kind: KindScalar, name: s.Name(), scalar: s}
}

// Vector creates an n-component vector type such as float3
func Vector(s ScalarType, n int) *TypeInfo {
	return &TypeInfo{
		kind:   KindVector,
		name:   fmt.Sprintf("%s%d", s.Name(), n),
		scalar: s,
		elem:   Scalar(s),
		count:  n,
	}
}

// Matrix creates a rows x cols matrix type such as float3x4
func Matrix(s ScalarType, rows, cols int) *TypeInfo {
	return &TypeInfo{
		kind:   KindMatrix,
		name:   fmt.Sprintf("%s%dx%d", s.Name(), rows, cols),
		scalar: s,
		elem:   Vector(s, cols),
		count:  rows,
	}
}

// Array creates a fixed size array of elem, or an unsized array when n is 0
func Array(elem *TypeInfo, n int) *TypeInfo {
	name := fmt.Sprintf("%s[%d]", elem.FullName(), n)
	if n == 0 {
		name = elem.FullName() + "[]"
	}
	return &TypeInfo{kind: KindArray, name: name, scalar: elem.scalar, elem: elem, count: n}
}

// Struct creates a struct type with ordered fields
func Struct(name string, fields ...*VariableInfo) *TypeInfo {
	t := &TypeInfo{kind: KindStruct, name: name}
	for _, f := range fields {
		t.fields = append(t.fields, f)
	}
	return t
}

// Interface creates an interface type. Generic arguments are part of its
// full name, so ITest<float,2> and ITest<int,3> are distinct constraints.
func Interface(name string, genericArgs ...string) *TypeInfo {
	return &TypeInfo{kind: KindInterface, name: name, genericArgs: genericArgs}
}

// Generic creates a generic type parameter, optionally constrained
func Generic(name string, constraint *TypeInfo) *TypeInfo {
	return &TypeInfo{kind: KindGeneric, name: name, constraint: constraint}
}

// Implements declares the interfaces a struct conforms to
func (t *TypeInfo) Implements(ifaces ...*TypeInfo) *TypeInfo {
	for _, i := range ifaces {
		t.conformances = append(t.conformances, i.FullName())
	}
	return t
}

// MarkDifferentiable flags a struct as carrying derivatives
func (t *TypeInfo) MarkDifferentiable() *TypeInfo {
	t.differentiable = true
	return t
}

// WithMethods attaches methods to a struct or interface
func (t *TypeInfo) WithMethods(fns ...*FunctionInfo) *TypeInfo {
	for _, f := range fns {
		t.methods = append(t.methods, f)
	}
	return t
}

func (t *TypeInfo) Kind() Kind             { return t.kind }
func (t *TypeInfo) Name() string           { return t.name }
func (t *TypeInfo) ScalarType() ScalarType { return t.scalar }
func (t *TypeInfo) ElementCount() int      { return t.count }
func (t *TypeInfo) Fields() []Variable     { return t.fields }
func (t *TypeInfo) Methods() []Function    { return t.methods }
func (t *TypeInfo) Conformances() []string { return t.conformances }

func (t *TypeInfo) FullName() string {
	if len(t.genericArgs) == 0 {
		return t.name
	}
	return t.name + "<" + strings.Join(t.genericArgs, ",") + ">"
}

func (t *TypeInfo) ElementType() Type {
	if t.elem == nil {
		return nil
	}
	return t.elem
}

func (t *TypeInfo) Constraint() Type {
	if t.constraint == nil {
		return nil
	}
	return t.constraint
}

func (t *TypeInfo) Differentiable() bool {
	switch t.kind {
	case KindScalar, KindVector, KindMatrix:
		return t.scalar.Differentiable()
	case KindArray:
		return t.elem.Differentiable()
	case KindStruct:
		if t.differentiable {
			return true
		}
		for _, c := range t.conformances {
			if c == "IDifferentiable" {
				return true
			}
		}
	}
	return false
}

func (t *TypeInfo) String() string { return t.FullName() }

// VariableInfo is the in-memory Variable used by Module
type VariableInfo struct {
	name       string
	typ        Type
	mods       Modifier
	hasDefault bool
}

// In declares an input parameter
func In(name string, t *TypeInfo) *VariableInfo {
	return &VariableInfo{name: name, typ: t, mods: ModIn}
}

// Out declares an output parameter
func Out(name string, t *TypeInfo) *VariableInfo {
	return &VariableInfo{name: name, typ: t, mods: ModOut}
}

// InOut declares a read-write parameter
func InOut(name string, t *TypeInfo) *VariableInfo {
	return &VariableInfo{name: name, typ: t, mods: ModInOut}
}

// Field declares a struct field
func Field(name string, t *TypeInfo) *VariableInfo {
	return &VariableInfo{name: name, typ: t}
}

// NoDiff excludes the variable from differentiation
func (v *VariableInfo) NoDiff() *VariableInfo {
	v.mods |= ModNoDiff
	return v
}

// WithDefault marks the parameter as optional at the call site
func (v *VariableInfo) WithDefault() *VariableInfo {
	v.hasDefault = true
	return v
}

func (v *VariableInfo) Name() string        { return v.name }
func (v *VariableInfo) Type() Type          { return v.typ }
func (v *VariableInfo) Modifiers() Modifier { return v.mods }
func (v *VariableInfo) HasDefault() bool    { return v.hasDefault }

// FunctionInfo is the in-memory Function used by Module
type FunctionInfo struct {
	name   string
	params []Variable
	ret    Type
	mods   Modifier
}

// NewFunction declares a function. A nil return type means void.
func NewFunction(name string, ret *TypeInfo, params ...*VariableInfo) *FunctionInfo {
	f := &FunctionInfo{name: name}
	if ret != nil {
		f.ret = ret
	}
	for _, p := range params {
		f.params = append(f.params, p)
	}
	return f
}

// MarkDifferentiable flags the function as differentiable
func (f *FunctionInfo) MarkDifferentiable() *FunctionInfo {
	f.mods |= ModDifferentiable
	return f
}

// Mutating flags a method that writes to its receiver
func (f *FunctionInfo) Mutating() *FunctionInfo {
	f.mods |= ModMutating
	return f
}

// Static flags a method that takes no receiver
func (f *FunctionInfo) Static() *FunctionInfo {
	f.mods |= ModStatic
	return f
}

func (f *FunctionInfo) Name() string           { return f.name }
func (f *FunctionInfo) Parameters() []Variable { return f.params }
func (f *FunctionInfo) ReturnType() Type       { return f.ret }
func (f *FunctionInfo) Modifiers() Modifier    { return f.mods }

// Module is an in-memory Program
type Module struct {
	name      string
	functions map[string]*FunctionInfo
	types     map[string]*TypeInfo
	methods   map[string]map[string]*FunctionInfo
}

// NewModule creates an empty program named name
func NewModule(name string) *Module {
	return &Module{
		name:      name,
		functions: make(map[string]*FunctionInfo),
		types:     make(map[string]*TypeInfo),
		methods:   make(map[string]map[string]*FunctionInfo),
	}
}

// AddFunction registers free functions
func (m *Module) AddFunction(fns ...*FunctionInfo) *Module {
	for _, f := range fns {
		m.functions[f.name] = f
	}
	return m
}

// AddType registers named types by full name. Methods attached to a struct
// with WithMethods become findable through FindMethod.
func (m *Module) AddType(types ...*TypeInfo) *Module {
	for _, t := range types {
		m.types[t.FullName()] = t
		for _, fn := range t.methods {
			m.addMethod(t.FullName(), fn.(*FunctionInfo))
		}
	}
	return m
}

// AddMethod registers methods on a named type
func (m *Module) AddMethod(typeName string, fns ...*FunctionInfo) *Module {
	for _, f := range fns {
		m.addMethod(typeName, f)
	}
	return m
}

func (m *Module) addMethod(typeName string, f *FunctionInfo) {
	if m.methods[typeName] == nil {
		m.methods[typeName] = make(map[string]*FunctionInfo)
	}
	m.methods[typeName][f.name] = f
}

func (m *Module) Name() string { return m.name }

func (m *Module) FindFunction(name string) (Function, bool) {
	f, ok := m.functions[name]
	if !ok {
		return nil, false
	}
	return f, true
}

func (m *Module) FindType(name string) (Type, bool) {
	t, ok := m.types[name]
	if !ok {
		return nil, false
	}
	return t, true
}

func (m *Module) FindMethod(typeName, method string) (Function, bool) {
	f, ok := m.methods[typeName][method]
	if !ok {
		return nil, false
	}
	return f, true
}

func (m *Module) Scalar(s ScalarType) Type { return Scalar(s) }

func (m *Module) Vector(s ScalarType, n int) Type { return Vector(s, n) }
