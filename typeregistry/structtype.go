package typeregistry

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/notargets/kernelcall/reflection"
)

// DeviceTyped is implemented by host structs that stand for a specific
// device struct, e.g. the concrete implementation of an interface parameter.
type DeviceTyped interface {
	DeviceType() string
}

// StructType describes a host mapping, a Go struct or a device struct
type StructType struct {
	base
	fields []Field
	// DeviceName is the concrete device struct named by a DeviceTyped value
	DeviceName string
	// goFields maps field names to Go struct field indices
	goFields map[string][]int
}

// NewStructType returns a struct descriptor with ordered fields
func NewStructType(name string, fields []Field) *StructType {
	t := &StructType{
		base:   base{kind: KindStruct, name: name},
		fields: fields,
	}
	for _, f := range fields {
		t.writable = t.writable || f.Type.Writable()
		t.diff = t.diff || f.Type.Differentiable()
		t.hasDeriv = t.hasDeriv || f.Type.HasDerivative()
	}
	t.key = "struct:" + name + fieldKey(fields)
	return t
}

func (t *StructType) ElementType() Descriptor { return t }
func (t *StructType) Fields() []Field         { return t.fields }

// Field returns the named field
func (t *StructType) Field(name string) (Field, bool) {
	for _, f := range t.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (t *StructType) Derivative() Descriptor {
	if !t.diff {
		return nil
	}
	var fields []Field
	for _, f := range t.fields {
		if d := f.Type.Derivative(); d != nil {
			fields = append(fields, Field{Name: f.Name, Type: d})
		}
	}
	return NewStructType(t.name+".Differential", fields)
}

// FieldValue returns the host value of a named field of v
func (t *StructType) FieldValue(v any, name string) (any, bool) {
	if m, ok := v.(map[string]any); ok {
		fv, ok := m[name]
		return fv, ok
	}
	idx, ok := t.goFields[name]
	if !ok {
		return nil, false
	}
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	return rv.FieldByIndex(idx).Interface(), true
}

// SetFieldValue stores x into a named field of v. Go structs must be passed
// by pointer; numeric values convert to the field's Go type.
func (t *StructType) SetFieldValue(v any, name string, x any) error {
	if m, ok := v.(map[string]any); ok {
		m[name] = x
		return nil
	}
	idx, ok := t.goFields[name]
	if !ok {
		return fmt.Errorf("%s has no field %s", t.name, name)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("setting %s.%s needs a pointer, got %T", t.name, name, v)
	}
	f := rv.Elem().FieldByIndex(idx)
	xv := reflect.ValueOf(x)
	if xv.IsValid() && xv.Type().AssignableTo(f.Type()) {
		f.Set(xv)
		return nil
	}
	return SetNumeric(f, x)
}

// goStructFields lists the exported fields of a Go struct type in
// declaration order. A `kernel:"name"` tag renames a field, `kernel:"-"`
// skips it.
func goStructFields(rt reflect.Type) (names []string, index map[string][]int) {
	index = make(map[string][]int)
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("kernel"); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		names = append(names, name)
		index[name] = f.Index
	}
	return names, index
}

// InterfaceType is an interface device type. Values bound to it must be
// specialized to a concrete struct.
type InterfaceType struct {
	base
	Refl reflection.Type
}

// NewInterfaceType returns the descriptor of a reflected interface
func NewInterfaceType(t reflection.Type) *InterfaceType {
	return &InterfaceType{
		base: base{kind: KindInterface, name: t.FullName(), key: "interface:" + t.FullName()},
		Refl: t,
	}
}

func (t *InterfaceType) ElementType() Descriptor { return t }
func (t *InterfaceType) Derivative() Descriptor  { return nil }

// GenericType is a generic type parameter, optionally constrained by an
// interface.
type GenericType struct {
	base
	Constraint *InterfaceType
}

// NewGenericType returns the descriptor of a generic parameter
func NewGenericType(name string, constraint *InterfaceType) *GenericType {
	key := "generic:" + name
	if constraint != nil {
		key += ":" + constraint.Name()
	}
	return &GenericType{
		base:       base{kind: KindGeneric, name: name, key: key},
		Constraint: constraint,
	}
}

func (t *GenericType) ElementType() Descriptor { return t }
func (t *GenericType) Derivative() Descriptor  { return nil }
