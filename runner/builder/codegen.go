// Package builder assembles generated kernel source. A CodeGenBlock holds the
// declarations of one call as ordered lists and renders them in a fixed
// layout, so the same sequence of calls always yields the same text.
package builder

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

const indent = "    "

// Decl is a typed name: a struct field, a call-data member or a local
type Decl struct {
	Type string
	Name string
}

// Param is one trampoline parameter
type Param struct {
	Decoration string
	Type       string
	Name       string
}

// StructBlock is a storage struct declaration
type StructBlock struct {
	Name    string
	fields  []Decl
	methods []string
}

// Field appends a member declaration
func (s *StructBlock) Field(typ, name string) *StructBlock {
	s.fields = append(s.fields, Decl{Type: typ, Name: name})
	return s
}

// Method appends a method definition. Lines are indented one level inside
// the struct.
func (s *StructBlock) Method(signature string, body ...string) *StructBlock {
	var sb strings.Builder
	sb.WriteString(indent + signature + "\n" + indent + "{\n")
	for _, line := range body {
		sb.WriteString(indent + indent + line + "\n")
	}
	sb.WriteString(indent + "}\n")
	s.methods = append(s.methods, sb.String())
	return s
}

// Fields returns the declared members in order
func (s *StructBlock) Fields() []Decl { return s.fields }

func (s *StructBlock) render(sb *strings.Builder) {
	fmt.Fprintf(sb, "struct %s\n{\n", s.Name)
	for _, f := range s.fields {
		fmt.Fprintf(sb, "%s%s %s;\n", indent, f.Type, f.Name)
	}
	for _, m := range s.methods {
		sb.WriteString(m)
	}
	sb.WriteString("}\n\n")
}

// CodeGenBlock collects the parts of a generated kernel
type CodeGenBlock struct {
	// Entry is the name of the compute entry point
	Entry           string
	ThreadGroupSize int
	// Differentiable marks the trampoline [Differentiable]
	Differentiable bool
	// CallRank is the dimensionality of the call shape
	CallRank int

	imports  map[string]struct{}
	aliases  []Decl
	structs  []*StructBlock
	callData []Decl
	params   []Param
	call     string
	locals   []Decl
	loads    []string
	dispatch string
	stores   []string
}

// NewCodeGenBlock returns an empty block
func NewCodeGenBlock(entry string, threadGroupSize int) *CodeGenBlock {
	return &CodeGenBlock{
		Entry:           entry,
		ThreadGroupSize: threadGroupSize,
		imports:         make(map[string]struct{}),
	}
}

// AddImport imports a module once. Empty names are ignored.
func (cg *CodeGenBlock) AddImport(module string) *CodeGenBlock {
	if module != "" {
		cg.imports[module] = struct{}{}
	}
	return cg
}

// AddAlias declares typealias name = target
func (cg *CodeGenBlock) AddAlias(name, target string) *CodeGenBlock {
	cg.aliases = append(cg.aliases, Decl{Type: target, Name: name})
	return cg
}

// AddStruct starts a storage struct. Structs render in the order they were
// added.
func (cg *CodeGenBlock) AddStruct(name string) *StructBlock {
	s := &StructBlock{Name: name}
	cg.structs = append(cg.structs, s)
	return s
}

// AddCallDataField adds a field of storage type typ to the CallData struct
func (cg *CodeGenBlock) AddCallDataField(typ, name string) *CodeGenBlock {
	cg.callData = append(cg.callData, Decl{Type: typ, Name: name})
	return cg
}

// AddParam appends a trampoline parameter. decoration is the direction and
// differentiability, e.g. "inout no_diff".
func (cg *CodeGenBlock) AddParam(decoration, typ, name string) *CodeGenBlock {
	cg.params = append(cg.params, Param{Decoration: decoration, Type: typ, Name: name})
	return cg
}

// SetCall sets the single statement of the trampoline body
func (cg *CodeGenBlock) SetCall(stmt string) *CodeGenBlock {
	cg.call = stmt
	return cg
}

// AddLocal declares a variable at the top of the entry point
func (cg *CodeGenBlock) AddLocal(typ, name string) *CodeGenBlock {
	cg.locals = append(cg.locals, Decl{Type: typ, Name: name})
	return cg
}

// AddLoad adds a statement run after the locals are declared and before the
// dispatch
func (cg *CodeGenBlock) AddLoad(stmt string) *CodeGenBlock {
	cg.loads = append(cg.loads, stmt)
	return cg
}

// SetDispatch sets the statement invoking the trampoline from the entry point
func (cg *CodeGenBlock) SetDispatch(stmt string) *CodeGenBlock {
	cg.dispatch = stmt
	return cg
}

// AddStore adds a statement run after the dispatch
func (cg *CodeGenBlock) AddStore(stmt string) *CodeGenBlock {
	cg.stores = append(cg.stores, stmt)
	return cg
}

// Imports returns the imported modules in sorted order
func (cg *CodeGenBlock) Imports() []string {
	imports := maps.Keys(cg.imports)
	slices.Sort(imports)
	return imports
}

// Structs returns the storage structs in declaration order
func (cg *CodeGenBlock) Structs() []*StructBlock { return cg.structs }

// Render writes the full kernel source
func (cg *CodeGenBlock) Render() string {
	var sb strings.Builder

	for _, imp := range cg.Imports() {
		fmt.Fprintf(&sb, "import \"%s\";\n", imp)
	}
	sb.WriteString("\n")

	for _, a := range cg.aliases {
		fmt.Fprintf(&sb, "typealias %s = %s;\n", a.Name, a.Type)
	}
	if len(cg.aliases) > 0 {
		sb.WriteString("\n")
	}

	for _, s := range cg.structs {
		s.render(&sb)
	}

	sb.WriteString("struct CallData\n{\n")
	fmt.Fprintf(&sb, "%sint[%d] _call_shape;\n", indent, cg.CallRank)
	for _, f := range cg.callData {
		fmt.Fprintf(&sb, "%s%s %s;\n", indent, f.Type, f.Name)
	}
	sb.WriteString("}\nParameterBlock<CallData> call_data;\n\n")

	if cg.Differentiable {
		sb.WriteString("[Differentiable]\n")
	}
	params := make([]string, len(cg.params))
	for i, p := range cg.params {
		params[i] = fmt.Sprintf("%s %s %s", p.Decoration, p.Type, p.Name)
	}
	fmt.Fprintf(&sb, "void _trampoline(%s)\n{\n", strings.Join(params, ", "))
	if cg.call != "" {
		fmt.Fprintf(&sb, "%s%s\n", indent, cg.call)
	}
	sb.WriteString("}\n\n")

	sb.WriteString("[shader(\"compute\")]\n")
	fmt.Fprintf(&sb, "[numthreads(%d, 1, 1)]\n", cg.ThreadGroupSize)
	fmt.Fprintf(&sb, "void %s(uint3 dispatchThreadID: SV_DispatchThreadID)\n{\n", cg.Entry)
	fmt.Fprintf(&sb, "%sContext ctx = make_context<%d>(dispatchThreadID, call_data._call_shape);\n", indent, cg.CallRank)
	sb.WriteString(indent + "if (!ctx.valid) return;\n")
	for _, l := range cg.locals {
		fmt.Fprintf(&sb, "%s%s %s;\n", indent, l.Type, l.Name)
	}
	for _, l := range cg.loads {
		fmt.Fprintf(&sb, "%s%s\n", indent, l)
	}
	if cg.dispatch != "" {
		fmt.Fprintf(&sb, "%s%s\n", indent, cg.dispatch)
	}
	for _, s := range cg.stores {
		fmt.Fprintf(&sb, "%s%s\n", indent, s)
	}
	sb.WriteString("}\n")
	return sb.String()
}
