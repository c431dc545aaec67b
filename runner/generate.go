package runner

import (
	"fmt"
	"strings"

	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/runner/builder"
	"github.com/notargets/kernelcall/typeregistry"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCase = cases.Title(language.English)

// EntryName is the compute entry point of a call, e.g. CallPrim_add
func EntryName(mode CallMode, qualified string) string {
	name := strings.NewReplacer(".", "_", "$", "", "<", "_", ">", "", ",", "_").Replace(qualified)
	return "Call" + titleCase.String(string(mode)) + "_" + name
}

// GenerateSource emits the kernel for a bound call: storage aliases and
// structs, the CallData block, the trampoline that calls the function, and
// the entry point that loads, dispatches and stores every argument.
func GenerateSource(call *BoundCall, cfg Config) device.Source {
	cfg = cfg.withDefaults(nil)
	qualified := call.QualifiedName()
	cg := builder.NewCodeGenBlock(EntryName(call.Mode, qualified), cfg.ThreadGroupSize)
	cg.CallRank = call.CallShape.Rank()
	cg.Differentiable = call.Differentiable

	cg.AddImport(cfg.ModuleName)
	for _, imp := range cfg.Imports {
		cg.AddImport(imp)
	}

	var names []string
	for _, v := range call.Args {
		storage := declareStorage(cg, v)
		cg.AddCallDataField(storage, v.Name)

		noDiff := v.NoDiff || !call.Differentiable
		cg.AddParam(builder.Decorate(v.IO.String(), noDiff), v.DeviceType.FullName(), v.Name)

		local := v.DeviceType.FullName()
		pair := pairLocal(call.Mode, v)
		if pair {
			local = "DifferentialPair<" + local + ">"
		}
		cg.AddLocal(local, v.Name)
		if pair || (v.IO != reflection.IOOut && v.Access.Primal() != builder.AccessNone) {
			cg.AddLoad(fmt.Sprintf("call_data.%s.load(ctx, %s);", v.Name, v.Name))
		}
		if v.Access.Primal() == builder.AccessReadWrite || (pair && v.Access.Derivative() == builder.AccessReadWrite) {
			cg.AddStore(fmt.Sprintf("call_data.%s.store(ctx, %s);", v.Name, v.Name))
		}
		names = append(names, v.Name)
	}

	cg.SetCall(callStatement(call))
	trampoline := "_trampoline"
	if call.Mode == ModeBwds {
		trampoline = "bwd_diff(_trampoline)"
	}
	cg.SetDispatch(fmt.Sprintf("%s(%s);", trampoline, strings.Join(names, ", ")))

	return device.Source{
		Function: qualified,
		Entry:    cg.Entry,
		Text:     cg.Render(),
	}
}

// pairLocal reports whether the entry point holds v as a DifferentialPair.
// Primal calls pass plain values even when a derivative channel is bound.
func pairLocal(mode CallMode, v *BoundVariable) bool {
	return mode == ModeBwds && v.Access.Derivative() != builder.AccessNone
}

// callStatement invokes the function with every declared parameter the call
// binds, capturing the return value into _result unless it is discarded.
func callStatement(call *BoundCall) string {
	var args []string
	hasResult := false
	for _, v := range call.Args {
		switch v.Name {
		case device.ThisName:
		case device.ResultName:
			hasResult = true
		default:
			args = append(args, v.Name)
		}
	}

	fn := call.Function.Name()
	switch {
	case call.Receiver != nil && reflection.IsConstructor(call.Function):
		fn = call.Receiver.FullName()
	case call.Receiver != nil && call.Arg(device.ThisName) != nil:
		fn = device.ThisName + "." + fn
	case call.Receiver != nil:
		fn = call.Receiver.FullName() + "." + fn
	}
	invoke := fmt.Sprintf("%s(%s);", fn, strings.Join(args, ", "))
	if hasResult {
		return device.ResultName + " = " + invoke
	}
	return invoke
}

func storageName(v *BoundVariable) string {
	return "_t_" + strings.ReplaceAll(v.Path, ".", "__")
}

// declareStorage declares the storage type of v, fields first for structs,
// and returns its name.
func declareStorage(cg *builder.CodeGenBlock, v *BoundVariable) string {
	name := storageName(v)
	if v.isStruct() {
		fieldTypes := make([]string, len(v.Children))
		for i, c := range v.Children {
			fieldTypes[i] = declareStorage(cg, c)
		}
		s := cg.AddStruct(name)
		for i, c := range v.Children {
			s.Field(fieldTypes[i], c.Name)
		}
		structAccessors(s, v)
		return name
	}

	if gen, ok := v.Host.(*typeregistry.GeneratedType); ok {
		cg.AddImport(gen.Gen.Import())
	}
	primal, derivative := leafStorage(v)
	return builder.GenerateDifferentialPair(cg, builder.DiffPair{
		Name:       name,
		Primal:     primal,
		Derivative: derivative,
		Value:      v.DeviceType.FullName(),
		Access:     v.Access,
	})
}

// structAccessors gives struct storage the overloads a leaf pair has: plain
// values while the primal channel is active, DifferentialPair values while the
// derivative channel is. Fields are moved with the matching overload of their
// own storage.
func structAccessors(s *builder.StructBlock, v *BoundVariable) {
	typ := v.DeviceType.FullName()
	if v.Access.Primal() != builder.AccessNone {
		var load, store []string
		for _, c := range v.Children {
			if c.Access.Primal() == builder.AccessNone {
				continue
			}
			if c.IO != reflection.IOOut {
				load = append(load, fmt.Sprintf("%s.load(ctx, value.%s);", c.Name, c.Name))
			}
			if c.Access.Primal() == builder.AccessReadWrite {
				store = append(store, fmt.Sprintf("%s.store(ctx, value.%s);", c.Name, c.Name))
			}
		}
		s.Method("void load(Context ctx, out "+typ+" value)", load...)
		if len(store) > 0 {
			s.Method("void store(Context ctx, in "+typ+" value)", store...)
		}
	}
	if v.Access.Derivative() == builder.AccessNone {
		return
	}

	pair := "DifferentialPair<" + typ + ">"
	load := []string{typ + " p;", typ + ".Differential d;"}
	var store []string
	for _, c := range v.Children {
		switch {
		case c.Access.Derivative() != builder.AccessNone:
			local := "_" + c.Name
			load = append(load,
				fmt.Sprintf("DifferentialPair<%s> %s;", c.DeviceType.FullName(), local),
				fmt.Sprintf("%s.load(ctx, %s);", c.Name, local),
				fmt.Sprintf("p.%s = %s.p;", c.Name, local),
				fmt.Sprintf("d.%s = %s.d;", c.Name, local))
			if c.Access.Primal() == builder.AccessReadWrite || c.Access.Derivative() == builder.AccessReadWrite {
				store = append(store, fmt.Sprintf("%s.store(ctx, diffPair(value.p.%s, value.d.%s));", c.Name, c.Name, c.Name))
			}
		case c.Access.Primal() != builder.AccessNone:
			load = append(load, fmt.Sprintf("%s.load(ctx, p.%s);", c.Name, c.Name))
			if c.Access.Primal() == builder.AccessReadWrite {
				store = append(store, fmt.Sprintf("%s.store(ctx, value.p.%s);", c.Name, c.Name))
			}
		}
	}
	load = append(load, "value = diffPair(p, d);")
	s.Method("void load(Context ctx, out "+pair+" value)", load...)
	if len(store) > 0 {
		s.Method("void store(Context ctx, in "+pair+" value)", store...)
	}
}

// leafStorage names the device storage of both channels of a leaf
func leafStorage(v *BoundVariable) (primal, derivative string) {
	elem := v.DeviceType.FullName()
	rw := func(a builder.AccessType) string {
		if a == builder.AccessReadWrite {
			return "RW"
		}
		return ""
	}
	rank := v.Shape.Rank()

	switch h := v.Host.(type) {
	case *typeregistry.BufferType, *typeregistry.HostArrayType:
		primal = fmt.Sprintf("%sNDBuffer<%s,%d>", rw(v.Access.Primal()), elem, rank)
	case *typeregistry.DiffBufferType:
		primal = fmt.Sprintf("%sNDBuffer<%s,%d>", rw(v.Access.Primal()), elem, rank)
		delem := elem
		if d := h.Derivative(); d != nil {
			delem = d.ElementType().Name()
		}
		derivative = fmt.Sprintf("%sNDBuffer<%s,%d>", rw(v.Access.Derivative()), delem, rank)
	case *typeregistry.ValueRefType:
		primal = fmt.Sprintf("%sValueRef<%s>", rw(v.Access.Primal()), elem)
	case *typeregistry.GeneratedType:
		primal = h.Name()
	default:
		primal = "ValueType<" + elem + ">"
	}
	return primal, derivative
}
