package typeregistry

import (
	"reflect"
	"testing"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/device/emulated"
	"github.com/notargets/kernelcall/reflection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type particle struct {
	Pos  [3]float32
	Mass float32
	Tag  int        `kernel:"-"`
	Vel  [3]float32 `kernel:"velocity"`
}

type test2f struct {
	X, Y float32
}

func (test2f) DeviceType() string { return "Test2f" }

func TestFromValueScalarsAndVectors(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name     string
		value    any
		kind     Kind
		typeName string
	}{
		{"float64", 1.5, KindScalar, "double"},
		{"float32", float32(1), KindScalar, "float"},
		{"int", 3, KindScalar, "int"},
		{"uint8", uint8(3), KindScalar, "uint"},
		{"bool", true, KindScalar, "bool"},
		{"float3", [3]float32{1, 2, 3}, KindVector, "float3"},
		{"int2", [2]int32{1, 2}, KindVector, "int2"},
		{"array", [6]float32{}, KindArray, "float[6]"},
		{"nested array", [2][3]float32{}, KindArray, "float3[2]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := r.FromValue(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, d.Kind())
			assert.Equal(t, tc.typeName, d.Name())
			assert.Empty(t, d.ContainerShape())
		})
	}
}

func TestFromValueHostArrays(t *testing.T) {
	r := NewRegistry()

	d, err := r.FromValue([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, KindHostArray, d.Kind())
	assert.Equal(t, "HostArray<float,1>", d.Name())
	assert.Equal(t, Shape{4}, d.ValueShape([]float32{1, 2, 3, 4}))
	assert.True(t, d.Writable())

	v := [][]float64{{1, 2, 3}, {4, 5, 6}}
	d, err = r.FromValue(v)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3}, d.ValueShape(v))
	assert.Equal(t, "double", d.ElementType().Name())

	_, err = r.FromValue([][]float64{{1, 2}, {3}})
	assert.ErrorContains(t, err, "ragged")

	dense := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	d, err = r.FromValue(dense)
	require.NoError(t, err)
	assert.True(t, d.Writable())
	assert.Equal(t, Shape{2, 2}, d.ValueShape(dense))

	d, err = r.FromValue(dense.T())
	require.NoError(t, err)
	assert.False(t, d.Writable(), "only *mat.Dense receives results")
}

func TestFromValueStructs(t *testing.T) {
	r := NewRegistry()

	d, err := r.FromValue(map[string]any{"b": 1.0, "a": [3]float32{}})
	require.NoError(t, err)
	require.Equal(t, KindStruct, d.Kind())
	fields := d.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, "a", fields[0].Name)
	assert.Equal(t, "float3", fields[0].Type.Name())
	assert.Equal(t, "b", fields[1].Name)

	p := particle{Pos: [3]float32{1, 2, 3}, Mass: 2}
	d, err = r.FromValue(p)
	require.NoError(t, err)
	st := d.(*StructType)
	var names []string
	for _, f := range st.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Pos", "Mass", "velocity"}, names)
	mass, ok := st.FieldValue(&p, "Mass")
	require.True(t, ok)
	assert.Equal(t, float32(2), mass)
	_, ok = st.FieldValue(p, "Tag")
	assert.False(t, ok)

	d, err = r.FromValue(test2f{X: 1})
	require.NoError(t, err)
	assert.Equal(t, "Test2f", d.(*StructType).DeviceName)

	pd, err := r.FromValue(&test2f{})
	require.NoError(t, err)
	assert.Same(t, d, pd)
}

func TestFromValueMarkersAndRefs(t *testing.T) {
	r := NewRegistry()

	d, err := r.FromValue(NewWangHashArg(7))
	require.NoError(t, err)
	require.Equal(t, KindGenerated, d.Kind())
	assert.Equal(t, "WangHashArg<3>", d.Name())
	assert.Equal(t, "uint3", d.ElementType().Name())

	d, err = r.FromValue(ThreadIDArg{Dims: 1})
	require.NoError(t, err)
	assert.Equal(t, "int", d.ElementType().Name())

	d, err = r.FromValue(&ValueRef{Value: float32(1)})
	require.NoError(t, err)
	assert.Equal(t, "ValueRef<float>", d.Name())
	assert.True(t, d.Writable())

	_, err = r.FromValue(&ValueRef{})
	assert.Error(t, err)
}

func TestFromValueUnknown(t *testing.T) {
	r := NewRegistry()
	var target *callerr.UnknownTypeError

	_, err := r.FromValue(nil)
	assert.ErrorAs(t, err, &target)

	_, err = r.FromValue(make(chan int))
	assert.ErrorAs(t, err, &target)

	_, err = r.FromValue(map[int]float32{})
	assert.ErrorAs(t, err, &target)

	_, err = r.FromValue(map[string]any{"f": func() {}})
	assert.ErrorAs(t, err, &target)
}

func TestInterning(t *testing.T) {
	r := NewRegistry()
	a, err := r.FromValue(1.0)
	require.NoError(t, err)
	n := r.Interned()
	b, err := r.FromValue(2.0)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, n, r.Interned())

	c, err := r.FromReflection(reflection.Scalar(reflection.ScalarFloat64))
	require.NoError(t, err)
	assert.Same(t, a, c)
}

func TestFromReflection(t *testing.T) {
	r := NewRegistry()
	iface := reflection.Interface("ITest", "float", "2")

	d, err := r.FromReflection(reflection.Vector(reflection.ScalarFloat32, 3))
	require.NoError(t, err)
	assert.Equal(t, "float3", d.Name())

	d, err = r.FromReflection(reflection.Matrix(reflection.ScalarFloat32, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 12, Arity(d))

	d, err = r.FromReflection(reflection.Array(reflection.Scalar(reflection.ScalarInt32), 4))
	require.NoError(t, err)
	assert.Equal(t, "int[4]", d.Name())

	st := reflection.Struct("Sphere",
		reflection.Field("center", reflection.Vector(reflection.ScalarFloat32, 3)),
		reflection.Field("radius", reflection.Scalar(reflection.ScalarFloat32)))
	d, err = r.FromReflection(st)
	require.NoError(t, err)
	assert.Len(t, d.Fields(), 2)
	assert.True(t, d.Differentiable())
	require.NotNil(t, d.Derivative())
	assert.Equal(t, "Sphere.Differential", d.Derivative().Name())

	d, err = r.FromReflection(iface)
	require.NoError(t, err)
	assert.Equal(t, KindInterface, d.Kind())
	assert.Equal(t, "ITest<float,2>", d.Name())

	d, err = r.FromReflection(reflection.Generic("T", iface))
	require.NoError(t, err)
	g := d.(*GenericType)
	require.NotNil(t, g.Constraint)
	assert.Equal(t, "ITest<float,2>", g.Constraint.Name())

	_, err = r.FromReflection(reflection.Scalar(reflection.ScalarVoid))
	assert.Error(t, err)
	_, err = r.FromReflection(reflection.Generic("T", reflection.Scalar(reflection.ScalarFloat32)))
	assert.Error(t, err)
}

func TestReturnFor(t *testing.T) {
	r := NewRegistry()

	rt, err := r.ReturnFor(reflect.TypeFor[*NDBuffer]())
	require.NoError(t, err)
	assert.Equal(t, BufferReturn{}, rt)

	rt, err = r.ReturnFor(&ValueRef{})
	require.NoError(t, err)
	assert.Equal(t, ValueReturn{}, rt)

	rt, err = r.ReturnFor(Discard)
	require.NoError(t, err)
	assert.Equal(t, Discard, rt)

	_, err = r.ReturnFor(reflect.TypeFor[string]())
	assert.Error(t, err)

	ctx := ReturnContext{Element: Scalar(reflection.ScalarFloat32)}
	assert.Equal(t, ValueReturn{}, DefaultReturn(ctx))
	ctx.CallShape = Shape{4}
	assert.Equal(t, BufferReturn{}, DefaultReturn(ctx))
	_, err = ValueReturn{}.Descriptor(ctx)
	assert.Error(t, err)
}

func TestBufferRoundTrip(t *testing.T) {
	dev := emulated.New()
	defer dev.Close()

	buf, err := NewNDBuffer(dev, Scalar(reflection.ScalarFloat32), Shape{2, 2}, device.UsageNone)
	require.NoError(t, err)
	defer buf.Release()
	assert.True(t, buf.Writable())
	assert.Equal(t, []int{2, 1}, buf.Strides)

	require.NoError(t, buf.CopyFrom([][]float64{{1, 2}, {3, 4}}))
	got, err := buf.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)

	out := mat.NewDense(2, 2, nil)
	require.NoError(t, buf.CopyTo(out))
	assert.Equal(t, 4.0, out.At(1, 1))

	nested := [][]int{{0, 0}, {0, 0}}
	require.NoError(t, buf.CopyTo(nested))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, nested)

	assert.Error(t, buf.CopyFrom([]float32{1, 2, 3}))
	_, err = NewNDBuffer(dev, Scalar(reflection.ScalarFloat32), UnknownShape(1), 0)
	assert.Error(t, err)

	d, err := NewRegistry().FromValue(buf)
	require.NoError(t, err)
	assert.Equal(t, "RWNDBuffer<float,2>", d.Name())
	assert.Equal(t, Shape{2, 2}, d.ValueShape(buf))
	assert.Equal(t, Shape{Unknown, Unknown}, d.ContainerShape())
}

func TestDiffBuffer(t *testing.T) {
	dev := emulated.New()
	defer dev.Close()
	r := NewRegistry()

	db, err := NewNDDifferentiableBuffer(dev, Scalar(reflection.ScalarFloat32), Shape{3}, true, device.UsageShaderResource)
	require.NoError(t, err)
	defer db.Release()
	require.NotNil(t, db.Grad)

	d, err := r.FromValue(db)
	require.NoError(t, err)
	assert.Equal(t, "NDDifferentiableBuffer<float,1>", d.Name())
	assert.False(t, d.Writable())
	assert.True(t, d.HasDerivative())
	assert.True(t, d.Derivative().Writable())

	noGrad, err := NewNDDifferentiableBuffer(dev, Scalar(reflection.ScalarFloat32), Shape{3}, false, 0)
	require.NoError(t, err)
	defer noGrad.Release()
	d, err = r.FromValue(noGrad)
	require.NoError(t, err)
	assert.False(t, d.HasDerivative())

	_, err = NewNDDifferentiableBuffer(dev, Scalar(reflection.ScalarInt32), Shape{3}, true, 0)
	assert.Error(t, err)
}

func TestShapeString(t *testing.T) {
	assert.Equal(t, "(4,)", Shape{4}.String())
	assert.Equal(t, "(2, 2)", Shape{2, 2}.String())
	assert.Equal(t, "(?, 3)", Shape{Unknown, 3}.String())
	assert.Equal(t, "()", Shape{}.String())
	assert.False(t, Shape{Unknown}.Concrete())
	assert.Equal(t, 6, Shape{2, 3}.Elements())
}
