package builder

// NoneType is the storage of an inactive channel. It holds nothing and
// nothing is transferred for it.
const NoneType = "NoneType"

// DiffPair describes the storage of a differentiable variable
type DiffPair struct {
	// Name is the storage type emitted for the variable
	Name string
	// Primal and Derivative are the storage types of the two channels. The
	// derivative element type may differ from the primal one.
	Primal     string
	Derivative string
	// Value is the primal value type seen by the trampoline
	Value  string
	Access AccessPair
}

// GenerateDifferentialPair declares the storage of p and returns the type name
// to use for it. With an inactive derivative channel only the primal storage
// is declared. Otherwise a struct holding both channels is emitted, primal
// first, with NoneType standing in for an inactive primal channel.
//
// The struct loads and stores DifferentialPair values. While the primal
// channel is active it also loads and stores plain values, which primal
// calls use.
func GenerateDifferentialPair(cg *CodeGenBlock, p DiffPair) string {
	switch {
	case !p.Access.Active():
		cg.AddAlias(p.Name, NoneType)
		return p.Name
	case p.Access.Derivative() == AccessNone:
		cg.AddAlias(p.Name, p.Primal)
		return p.Name
	}

	primal := p.Primal
	if p.Access.Primal() == AccessNone {
		primal = NoneType
	}
	pair := "DifferentialPair<" + p.Value + ">"
	s := cg.AddStruct(p.Name).
		Field(primal, "primal").
		Field(p.Derivative, "derivative")

	if p.Access.Primal() != AccessNone {
		s.Method("void load(Context ctx, out "+p.Value+" value)", "primal.load(ctx, value);")
	}
	if p.Access.Primal() == AccessReadWrite {
		s.Method("void store(Context ctx, in "+p.Value+" value)", "primal.store(ctx, value);")
	}

	load := []string{p.Value + ".Differential d;", "derivative.load(ctx, d);"}
	if p.Access.Primal() == AccessNone {
		load = append(load, "value = diffPair("+p.Value+"(), d);")
	} else {
		load = append([]string{p.Value + " p;", "primal.load(ctx, p);"}, load...)
		load = append(load, "value = diffPair(p, d);")
	}
	s.Method("void load(Context ctx, out "+pair+" value)", load...)

	var store []string
	if p.Access.Primal() == AccessReadWrite {
		store = append(store, "primal.store(ctx, value.p);")
	}
	if p.Access.Derivative() == AccessReadWrite {
		store = append(store, "derivative.store(ctx, value.d);")
	}
	if len(store) > 0 {
		s.Method("void store(Context ctx, in "+pair+" value)", store...)
	}
	return p.Name
}
