package runner

import (
	"fmt"
	"testing"

	"github.com/notargets/kernelcall/device/emulated"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/typeregistry"
	"github.com/stretchr/testify/require"
)

// testProgram describes the device module every runner test calls into
func testProgram(name string) *reflection.Module {
	f := reflection.Scalar(reflection.ScalarFloat32)
	i := reflection.Scalar(reflection.ScalarInt32)
	int2 := reflection.Vector(reflection.ScalarInt32, 2)

	itest2f := reflection.Interface("ITest", "float", "2")
	itest3i := reflection.Interface("ITest", "int", "3")
	test2f := reflection.Struct("Test2f",
		reflection.Field("x", f),
		reflection.Field("y", f),
	).Implements(itest2f)
	test3i := reflection.Struct("Test3i",
		reflection.Field("x", i),
		reflection.Field("y", i),
		reflection.Field("z", i),
	).Implements(itest3i)

	counter := reflection.Struct("Counter", reflection.Field("count", f)).WithMethods(
		reflection.NewFunction("get", f),
		reflection.NewFunction("scaled", f, reflection.In("k", f)),
		reflection.NewFunction("reset", nil).Mutating(),
		reflection.NewFunction("zero", f).Static(),
		reflection.NewFunction("$init", nil, reflection.In("count", f)),
	)
	point := reflection.Struct("Point",
		reflection.Field("x", f),
		reflection.Field("y", f),
	).MarkDifferentiable()
	generic := reflection.Generic("T", nil)

	return reflection.NewModule(name).
		AddType(itest2f, itest3i, test2f, test3i, counter, point).
		AddFunction(
			reflection.NewFunction("add", f, reflection.In("a", f), reflection.In("b", f)),
			reflection.NewFunction("mul", f, reflection.In("a", f), reflection.In("b", f)).MarkDifferentiable(),
			reflection.NewFunction("scale", f, reflection.In("x", f), reflection.In("k", f).NoDiff()).MarkDifferentiable(),
			reflection.NewFunction("length2", f, reflection.In("p", point)).MarkDifferentiable(),
			reflection.NewFunction("sum", f, reflection.In("v", itest2f)),
			reflection.NewFunction("sumGeneric", f, reflection.In("v", reflection.Generic("T", itest2f))),
			reflection.NewFunction("copy", nil, reflection.In("src", generic), reflection.Out("dst", generic)),
			reflection.NewFunction("accumulate", nil, reflection.InOut("acc", f), reflection.In("x", f)),
			reflection.NewFunction("offset", f, reflection.In("x", f), reflection.In("bias", f).WithDefault()),
			reflection.NewFunction("idsum", f, reflection.In("id", int2), reflection.In("w", f)),
			reflection.NewFunction("undefined", f, reflection.In("x", f)),
		)
}

func f32(v any) float32 {
	switch x := v.(type) {
	case float32:
		return x
	case float64:
		return float32(x)
	case int32:
		return float32(x)
	}
	panic(fmt.Sprintf("not a number: %T", v))
}

// newTestDevice returns an emulated device implementing testProgram. The
// "undefined" function is left out so compiling a call to it fails.
func newTestDevice(t *testing.T) *emulated.Device {
	t.Helper()
	dev := emulated.New().
		Register("add", func(args []*emulated.Arg) (any, error) {
			return f32(args[0].Value) + f32(args[1].Value), nil
		}).
		Register("mul", func(args []*emulated.Arg) (any, error) {
			return f32(args[0].Value) * f32(args[1].Value), nil
		}).
		RegisterBackward("mul", func(args []*emulated.Arg) (any, error) {
			a, b, res := args[0], args[1], args[2]
			a.Grad = f32(res.Grad) * f32(b.Value)
			b.Grad = f32(res.Grad) * f32(a.Value)
			return nil, nil
		}).
		Register("scale", func(args []*emulated.Arg) (any, error) {
			return f32(args[0].Value) * f32(args[1].Value), nil
		}).
		RegisterBackward("scale", func(args []*emulated.Arg) (any, error) {
			x, k, res := args[0], args[1], args[2]
			x.Grad = f32(res.Grad) * f32(k.Value)
			return nil, nil
		}).
		Register("sum", sumFields).
		Register("sumGeneric", sumFields).
		Register("copy", func(args []*emulated.Arg) (any, error) {
			args[1].Value = args[0].Value
			return nil, nil
		}).
		Register("accumulate", func(args []*emulated.Arg) (any, error) {
			args[0].Value = f32(args[0].Value) + f32(args[1].Value)
			return nil, nil
		}).
		Register("offset", func(args []*emulated.Arg) (any, error) {
			return f32(args[0].Value) + 100, nil
		}).
		Register("idsum", func(args []*emulated.Arg) (any, error) {
			id := args[0].Value.([]int32)
			return float32(id[0]) + 10*float32(id[1]) + f32(args[1].Value), nil
		}).
		Register("Counter.get", func(args []*emulated.Arg) (any, error) {
			return f32(args[0].Value.(map[string]any)["count"]), nil
		}).
		Register("Counter.scaled", func(args []*emulated.Arg) (any, error) {
			return f32(args[0].Value.(map[string]any)["count"]) * f32(args[1].Value), nil
		}).
		Register("Counter.zero", func(args []*emulated.Arg) (any, error) {
			return float32(0), nil
		}).
		Register("Counter.reset", func(args []*emulated.Arg) (any, error) {
			args[0].Value.(map[string]any)["count"] = float32(0)
			return nil, nil
		}).
		Register("Counter.$init", func(args []*emulated.Arg) (any, error) {
			return map[string]any{"count": f32(args[0].Value)}, nil
		})
	t.Cleanup(dev.Close)
	return dev
}

func sumFields(args []*emulated.Arg) (any, error) {
	v := args[0].Value.(map[string]any)
	return f32(v["x"]) + f32(v["y"]), nil
}

func newTestModule(t *testing.T) (*Module, *emulated.Device) {
	t.Helper()
	dev := newTestDevice(t)
	return NewModule(dev, testProgram("kernels"), Config{}), dev
}

func function(t *testing.T, m *Module, name string) *Function {
	t.Helper()
	fn, err := m.Function(name)
	require.NoError(t, err)
	return fn
}

func floatBuffer(t *testing.T, m *Module, shape typeregistry.Shape, values []float32) *typeregistry.NDBuffer {
	t.Helper()
	buf, err := typeregistry.NewNDBuffer(m.Device(), typeregistry.Scalar(reflection.ScalarFloat32), shape, 0)
	require.NoError(t, err)
	require.NoError(t, buf.CopyFrom(values))
	t.Cleanup(func() { _ = buf.Release() })
	return buf
}

func diffBuffer(t *testing.T, m *Module, values []float32) *typeregistry.NDDifferentiableBuffer {
	t.Helper()
	buf, err := typeregistry.NewNDDifferentiableBuffer(m.Device(), typeregistry.Scalar(reflection.ScalarFloat32),
		typeregistry.Shape{len(values)}, true, 0)
	require.NoError(t, err)
	require.NoError(t, buf.CopyFrom(values))
	t.Cleanup(func() { _ = buf.Release() })
	return buf
}

// test2f is a host value of the Test2f device struct
type test2f struct {
	X float32 `kernel:"x"`
	Y float32 `kernel:"y"`
}

func (test2f) DeviceType() string { return "Test2f" }

type test3i struct {
	X int32 `kernel:"x"`
	Y int32 `kernel:"y"`
	Z int32 `kernel:"z"`
}

func (test3i) DeviceType() string { return "Test3i" }
