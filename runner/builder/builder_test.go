package builder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessPair(t *testing.T) {
	p := AccessPair{AccessRead, AccessNone}
	assert.True(t, p.Active())
	assert.False(t, AccessPair{}.Active())
	assert.Equal(t, "(read, none)", p.String())

	merged := p.Max(AccessPair{AccessNone, AccessReadWrite})
	assert.Equal(t, AccessPair{AccessRead, AccessReadWrite}, merged)
	assert.Equal(t, AccessReadWrite, MaxAccess(AccessRead, AccessReadWrite))

	assert.Equal(t, "inout", Decorate("inout", false))
	assert.Equal(t, "in no_diff", Decorate("in", true))
}

func sampleBlock() *CodeGenBlock {
	cg := NewCodeGenBlock("CallPrim_add", 32)
	cg.CallRank = 1
	cg.AddImport("wanghasharg").AddImport("kernels").AddImport("kernels")
	cg.AddAlias("_t_a", "NDBuffer<float,1>")
	cg.AddCallDataField("_t_a", "a")
	cg.AddParam("in", "float", "a")
	cg.AddParam("out", "float", "_result")
	cg.SetCall("_result = twice(a);")
	cg.AddLocal("float", "a").AddLocal("float", "_result")
	cg.AddLoad("call_data.a.load(ctx, a);")
	cg.SetDispatch("_trampoline(a, _result);")
	cg.AddStore("call_data._result.store(ctx, _result);")
	return cg
}

func TestRenderLayout(t *testing.T) {
	src := sampleBlock().Render()

	assert.Equal(t, []string{"kernels", "wanghasharg"}, sampleBlock().Imports())
	assert.True(t, strings.HasPrefix(src, "import \"kernels\";\nimport \"wanghasharg\";\n"))
	assert.Contains(t, src, "typealias _t_a = NDBuffer<float,1>;")
	assert.Contains(t, src, "void _trampoline(in float a, out float _result)")
	assert.Contains(t, src, "[numthreads(32, 1, 1)]")
	assert.Contains(t, src, " CallPrim_add(")
	assert.NotContains(t, src, "[Differentiable]")

	order := []string{"typealias", "struct CallData", "_trampoline(", "CallPrim_add(", "load(ctx, a)", "_trampoline(a", "store(ctx, _result)"}
	last := -1
	for _, s := range order {
		i := strings.Index(src, s)
		require.Greater(t, i, last, "%q out of order", s)
		last = i
	}
}

func TestEntryPointBody(t *testing.T) {
	cg := sampleBlock().AddImport("")
	assert.Equal(t, []string{"kernels", "wanghasharg"}, cg.Imports(), "empty imports are dropped")

	src := cg.Render()
	assert.Contains(t, src, "struct CallData\n{\n    int[1] _call_shape;\n    _t_a a;\n}\n")
	assert.Contains(t, src, "    if (!ctx.valid) return;\n"+
		"    float a;\n"+
		"    float _result;\n"+
		"    call_data.a.load(ctx, a);\n"+
		"    _trampoline(a, _result);\n"+
		"    call_data._result.store(ctx, _result);\n"+
		"}\n")
}

func TestRenderDeterministic(t *testing.T) {
	assert.Equal(t, sampleBlock().Render(), sampleBlock().Render())

	diff := sampleBlock()
	diff.Differentiable = true
	assert.Contains(t, diff.Render(), "[Differentiable]\nvoid _trampoline")
}

func TestDifferentialPairBothChannels(t *testing.T) {
	cg := NewCodeGenBlock("main", 1)
	name := GenerateDifferentialPair(cg, DiffPair{
		Name:       "_t_x",
		Primal:     "NDBuffer<float,1>",
		Derivative: "RWNDBuffer<float,1>",
		Value:      "float",
		Access:     AccessPair{AccessRead, AccessReadWrite},
	})
	assert.Equal(t, "_t_x", name)
	require.Len(t, cg.Structs(), 1)
	fields := cg.Structs()[0].Fields()
	assert.Equal(t, []Decl{
		{Type: "NDBuffer<float,1>", Name: "primal"},
		{Type: "RWNDBuffer<float,1>", Name: "derivative"},
	}, fields)

	src := cg.Render()
	assert.Contains(t, src, "derivative.store(ctx, value.d);")
	assert.NotContains(t, src, "primal.store")
	assert.Contains(t, src, "void load(Context ctx, out DifferentialPair<float> value)")
	assert.Contains(t, src, "void load(Context ctx, out float value)", "primal calls load plain values")
	assert.NotContains(t, src, "void store(Context ctx, in float value)")
}

func TestDifferentialPairPrimalOnly(t *testing.T) {
	cg := NewCodeGenBlock("main", 1)
	GenerateDifferentialPair(cg, DiffPair{
		Name:       "_t_x",
		Primal:     "NDBuffer<float,1>",
		Derivative: "RWNDBuffer<float,1>",
		Value:      "float",
		Access:     AccessPair{AccessRead, AccessNone},
	})
	assert.Empty(t, cg.Structs())
	src := cg.Render()
	assert.Contains(t, src, "typealias _t_x = NDBuffer<float,1>;")
	assert.NotContains(t, src, "derivative")
}

func TestDifferentialPairDerivativeOnly(t *testing.T) {
	cg := NewCodeGenBlock("main", 1)
	GenerateDifferentialPair(cg, DiffPair{
		Name:       "_t_r",
		Primal:     "RWNDBuffer<float,1>",
		Derivative: "NDBuffer<float,1>",
		Value:      "float",
		Access:     AccessPair{AccessNone, AccessRead},
	})
	require.Len(t, cg.Structs(), 1)
	fields := cg.Structs()[0].Fields()
	assert.Equal(t, NoneType, fields[0].Type)
	assert.Equal(t, "primal", fields[0].Name)
	src := cg.Render()
	assert.Contains(t, src, "value = diffPair(float(), d);")
	assert.NotContains(t, src, "void store(")
	assert.NotContains(t, src, "out float value", "no plain load without a primal channel")

	cg = NewCodeGenBlock("main", 1)
	GenerateDifferentialPair(cg, DiffPair{Name: "_t_n", Primal: "float", Access: AccessPair{}})
	assert.Contains(t, cg.Render(), "typealias _t_n = NoneType;")
}
