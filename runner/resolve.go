package runner

import (
	"fmt"
	"slices"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/typeregistry"
)

// Resolver turns declared parameter types into the concrete device types of
// one call. Interface and generic parameters are specialized from the bound
// host value; concrete ones are checked for compatibility.
type Resolver struct {
	Program  reflection.Program
	Registry *typeregistry.Registry
	// DefaultFloat replaces double when an unconstrained generic is bound to
	// a convertible Go float64
	DefaultFloat reflection.ScalarType
}

// Resolve returns the concrete device type of v.Declared for the host value
// bound to v.
func (r *Resolver) Resolve(v *BoundVariable) (reflection.Type, error) {
	declared := v.Declared
	if declared == nil {
		return nil, callerr.UnknownType("declared type of %s", v.Path)
	}
	switch declared.Kind() {
	case reflection.KindInterface:
		return r.specialize(v, declared)
	case reflection.KindGeneric:
		if c := declared.Constraint(); c != nil {
			return r.specialize(v, c)
		}
		return r.infer(v)
	case reflection.KindStruct:
		return declared, r.checkStruct(v, declared)
	default:
		return declared, r.checkCompatible(v, declared)
	}
}

// specialize finds the concrete struct named by the host value and checks
// that it conforms to iface, generic arguments included.
func (r *Resolver) specialize(v *BoundVariable, iface reflection.Type) (reflection.Type, error) {
	elem := typeregistry.Element(v.Host)
	st, ok := elem.(*typeregistry.StructType)
	if !ok || st.DeviceName == "" {
		return nil, callerr.Specialization(v.Path, iface.FullName(), elem.Name())
	}
	concrete, ok := r.Program.FindType(st.DeviceName)
	if !ok {
		return nil, callerr.UnknownType("device type %s bound to %s", st.DeviceName, v.Path)
	}
	if !slices.Contains(concrete.Conformances(), iface.FullName()) {
		return nil, callerr.Specialization(v.Path, iface.FullName(), concrete.FullName())
	}
	return concrete, nil
}

// infer resolves an unconstrained generic to the device type of the host value
func (r *Resolver) infer(v *BoundVariable) (reflection.Type, error) {
	elem := typeregistry.Element(v.Host)
	switch e := elem.(type) {
	case *typeregistry.ScalarType:
		s := e.Scalar()
		if s == reflection.ScalarFloat64 && convertible(v.Host) {
			s = r.DefaultFloat
		}
		return r.Program.Scalar(s), nil
	case *typeregistry.VectorType:
		return r.Program.Vector(e.Scalar(), e.Count), nil
	case *typeregistry.StructType:
		name := e.DeviceName
		if name == "" {
			name = e.Name()
		}
		if t, ok := r.Program.FindType(name); ok {
			return t, nil
		}
	}
	return nil, callerr.Specialization(v.Path, v.Declared.FullName(), elem.Name())
}

// convertible reports whether host values are converted on upload, so their
// element type is not fixed by existing device storage.
func convertible(d typeregistry.Descriptor) bool {
	switch d.Kind() {
	case typeregistry.KindScalar, typeregistry.KindHostArray:
		return true
	}
	return false
}

// checkStruct accepts field-matched struct values for a declared struct. A
// value naming its device type must name the declared one.
func (r *Resolver) checkStruct(v *BoundVariable, declared reflection.Type) error {
	elem := typeregistry.Element(v.Host)
	st, ok := elem.(*typeregistry.StructType)
	if !ok {
		return callerr.TypeMismatch(v.Path, declared.FullName(), v.Host.Name(), "not a struct value")
	}
	switch {
	case st.DeviceName != "":
		if st.DeviceName == declared.FullName() {
			return nil
		}
		return callerr.TypeMismatch(v.Path, declared.FullName(), st.DeviceName, "value is a different device struct")
	case v.Host.Kind() == typeregistry.KindStruct, st.Name() == declared.FullName():
		return nil
	}
	return callerr.TypeMismatch(v.Path, declared.FullName(), v.Host.Name(), "not a struct value")
}

// checkCompatible accepts host elements of the same scalar family and arity.
// Device buffers are not converted, so their scalar must match exactly.
func (r *Resolver) checkCompatible(v *BoundVariable, declared reflection.Type) error {
	elem := typeregistry.Element(v.Host)
	want, err := reflection.LeafScalar(declared)
	if err != nil {
		return callerr.TypeMismatch(v.Path, declared.FullName(), elem.Name(), err.Error())
	}
	n := typeregistry.Arity(elem)
	if n == 0 {
		return callerr.TypeMismatch(v.Path, declared.FullName(), elem.Name(), "not a numeric value")
	}
	got := elem.Scalar()
	if got.Family() != want.Family() {
		return callerr.TypeMismatch(v.Path, declared.FullName(), elem.Name(), "scalar kinds differ")
	}
	if want := reflection.Arity(declared); n != want {
		return callerr.TypeMismatch(v.Path, declared.FullName(), elem.Name(),
			fmt.Sprintf("%d components, %d expected", n, want))
	}
	switch v.Host.Kind() {
	case typeregistry.KindBuffer, typeregistry.KindDiffBuffer:
		if got != want {
			return callerr.TypeMismatch(v.Path, declared.FullName(), v.Host.Name(), "buffer element is "+got.Name())
		}
	}
	return nil
}
