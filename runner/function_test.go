package runner

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/device/emulated"
	"github.com/notargets/kernelcall/typeregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCallAddRoundTrip(t *testing.T) {
	m, _ := newTestModule(t)
	a := floatBuffer(t, m, typeregistry.Shape{2, 2}, []float32{1, 2, 3, 4})
	b := floatBuffer(t, m, typeregistry.Shape{2, 2}, []float32{5, 6, 7, 8})

	got, err := function(t, m, "add").Call(a, b)
	require.NoError(t, err)
	res, ok := got.(*typeregistry.NDBuffer)
	require.True(t, ok, "got %T", got)
	defer res.Release()

	assert.Equal(t, typeregistry.Shape{2, 2}, res.Shape)
	out := [][]float32{make([]float32, 2), make([]float32, 2)}
	require.NoError(t, res.CopyTo(out))
	if diff := cmp.Diff([][]float32{{6, 8}, {10, 12}}, out); diff != "" {
		t.Errorf("add result mismatch (-want +got):\n%s", diff)
	}
}

func TestCallHostArrays(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	got, err := add.Call([][]float64{{1, 2}, {3, 4}}, []float64{10, 20})
	require.NoError(t, err)
	res := got.(*typeregistry.NDBuffer)
	defer res.Release()
	values, err := res.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 13, 24}, values)

	dense := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	got, err = add.Call(dense, 0.5)
	require.NoError(t, err)
	res = got.(*typeregistry.NDBuffer)
	defer res.Release()
	values, err = res.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, values)
}

func TestCallCopiesBackWritableHostArrays(t *testing.T) {
	m, _ := newTestModule(t)

	acc := []float32{1, 2, 3}
	got, err := function(t, m, "accumulate").Call(acc, 10.0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, []float32{11, 12, 13}, acc)

	dst := make([]float64, 3)
	_, err = function(t, m, "copy").Call([]float64{4, 5, 6}, dst)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, dst)
}

func TestCallValueRef(t *testing.T) {
	m, _ := newTestModule(t)

	ref := &typeregistry.ValueRef{Value: float32(1)}
	_, err := function(t, m, "accumulate").Call(ref, 2.0)
	require.NoError(t, err)
	assert.Equal(t, float32(3), ref.Value)

	// scalar calls return their value through a ValueRef
	got, err := function(t, m, "add").Call(1.0, 2.0)
	require.NoError(t, err)
	assert.Equal(t, float32(3), got)

	// an empty ValueRef takes the declared type
	out := &typeregistry.ValueRef{}
	_, err = function(t, m, "add").CallKw(Kwargs{device.ResultName: out}, 4.0, 5.0)
	require.NoError(t, err)
	assert.Equal(t, float32(9), out.Value)
}

func TestCallReturnType(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")
	a, b := []float32{1, 2}, []float32{3, 4}

	got, err := add.ReturnType(&typeregistry.NDDifferentiableBuffer{}).Call(a, b)
	require.NoError(t, err)
	diff, ok := got.(*typeregistry.NDDifferentiableBuffer)
	require.True(t, ok, "got %T", got)
	defer diff.Release()
	require.NotNil(t, diff.Grad)
	values, err := diff.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 6}, values)

	got, err = add.ReturnType(typeregistry.Discard).Call(a, b)
	require.NoError(t, err)
	assert.Nil(t, got)

	// value returns need a scalar call
	_, err = add.ReturnType(&typeregistry.ValueRef{}).Call(a, b)
	assert.ErrorContains(t, err, "value return needs a scalar call")

	_, err = add.ReturnType(42).Call(a, b)
	var unknown *callerr.UnknownTypeError
	assert.True(t, errors.As(err, &unknown), "got %v", err)

	// the handle itself is not modified
	got, err = add.Call(a, b)
	require.NoError(t, err)
	require.IsType(t, &typeregistry.NDBuffer{}, got)
	_ = got.(*typeregistry.NDBuffer).Release()
}

func TestCallBackward(t *testing.T) {
	m, _ := newTestModule(t)
	a := diffBuffer(t, m, []float32{1, 2, 3})
	b := diffBuffer(t, m, []float32{4, 5, 6})
	res := diffBuffer(t, m, []float32{0, 0, 0})
	require.NoError(t, res.Grad.CopyFrom([]float32{1, 1, 1}))

	mul := function(t, m, "mul")
	got, err := mul.Call(a, b)
	require.NoError(t, err)
	prod := got.(*typeregistry.NDBuffer)
	defer prod.Release()
	values, err := prod.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 10, 18}, values)

	_, err = mul.Bwds().CallKw(Kwargs{device.ResultName: res}, a, b)
	require.NoError(t, err)

	da, err := a.Grad.Float32s()
	require.NoError(t, err)
	db, err := b.Grad.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, da)
	assert.Equal(t, []float32{1, 2, 3}, db)

	// the primal inputs are untouched
	pa, err := a.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, pa)
}

func TestCallBackwardNoDiffParameter(t *testing.T) {
	m, _ := newTestModule(t)
	x := diffBuffer(t, m, []float32{1, 2})
	res := diffBuffer(t, m, []float32{0, 0})
	require.NoError(t, res.Grad.CopyFrom([]float32{1, 2}))

	_, err := function(t, m, "scale").Bwds().CallKw(Kwargs{device.ResultName: res}, x, 3.0)
	require.NoError(t, err)
	dx, err := x.Grad.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6}, dx)
}

func TestCallCompileError(t *testing.T) {
	m, _ := newTestModule(t)

	_, err := function(t, m, "undefined").Call(1.0)
	var compile *callerr.CompileError
	require.True(t, errors.As(err, &compile), "got %v", err)
	assert.Equal(t, "CallPrim_undefined", compile.Entry)
	assert.Contains(t, compile.Source, "_result = undefined(x);")
	assert.ErrorContains(t, err, "undefined identifier")
	assert.Equal(t, 0, m.CacheSize())
}

func TestCallDeviceError(t *testing.T) {
	dev := newTestDevice(t)
	dev.Register("add", func([]*emulated.Arg) (any, error) {
		return nil, fmt.Errorf("illegal address")
	})
	m := NewModule(dev, testProgram("kernels"), Config{})

	_, err := function(t, m, "add").Call([]float32{1}, []float32{2})
	var devErr *callerr.DeviceError
	require.True(t, errors.As(err, &devErr), "got %v", err)
	assert.ErrorContains(t, err, "illegal address")
}

func TestSpecializationCacheReuse(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	first, err := add.Specialize(nil, []float32{1, 2}, []float32{3, 4})
	require.NoError(t, err)
	second, err := add.Specialize(nil, []float32{5, 6, 7}, 1.0)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	again, err := add.Specialize(nil, []float32{0}, 2.0)
	require.NoError(t, err)
	assert.Same(t, second, again)
	assert.Equal(t, 2, m.CacheSize())
	assert.Equal(t, int64(2), m.Cache().Builds())

	_, err = add.Bwds().Specialize(nil, 1.0, 2.0)
	require.Error(t, err, "bwds needs an explicit _result")
	assert.Equal(t, 2, m.CacheSize())
}

func TestSpecializationCacheConcurrent(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	const callers = 16
	var wg sync.WaitGroup
	specs := make([]*Specialization, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			specs[i], errs[i] = add.Specialize(nil, []float32{1, 2}, []float32{3, 4})
		}(i)
	}
	wg.Wait()

	for i := range specs {
		require.NoError(t, errs[i])
		assert.Same(t, specs[0], specs[i])
	}
	assert.Equal(t, int64(1), m.Cache().Builds())
	assert.Equal(t, 1, m.CacheSize())
}

func TestCallConcurrent(t *testing.T) {
	m, dev := newTestModule(t)
	dev.Register("mul", func(args []*emulated.Arg) (any, error) {
		if f32(args[1].Value) < 0 {
			return nil, fmt.Errorf("negative factor")
		}
		return f32(args[0].Value) * f32(args[1].Value), nil
	})
	add, mul := function(t, m, "add"), function(t, m, "mul")

	const callers = 16
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 3 {
				_, errs[i] = mul.Call([]float32{1}, -1.0)
				return
			}
			results[i], errs[i] = add.Call([]float32{float32(i), 2}, []float32{3, 4})
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if i%4 == 3 {
			var devErr *callerr.DeviceError
			assert.True(t, errors.As(errs[i], &devErr), "caller %d got %v", i, errs[i])
			continue
		}
		require.NoError(t, errs[i], "caller %d", i)
		res := results[i].(*typeregistry.NDBuffer)
		values, err := res.Float32s()
		require.NoError(t, err)
		assert.Equal(t, []float32{float32(i) + 3, 6}, values)
		require.NoError(t, res.Release())
	}
	assert.Equal(t, int64(2), m.Cache().Builds())
}

func TestModuleReload(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	_, err := add.Call(1.0, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.CacheSize())

	require.NoError(t, m.Reload(testProgram("kernels2")))
	assert.Equal(t, 0, m.CacheSize())
	assert.Equal(t, "kernels2", m.Config().ModuleName)

	src, err := add.GenerateSource(nil, 1.0, 2.0)
	require.NoError(t, err)
	assert.Contains(t, src, `import "kernels2";`)

	got, err := add.Call(1.0, 2.0)
	require.NoError(t, err)
	assert.Equal(t, float32(3), got)
	assert.Equal(t, 1, m.CacheSize())

	require.NoError(t, m.Release())
	assert.Equal(t, 0, m.CacheSize())
}

func TestModuleLogsSpecializations(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer SetLogger(nil)

	m, _ := newTestModule(t)
	add := function(t, m, "add")
	for i := 0; i < 2; i++ {
		_, err := add.Call(1.0, 2.0)
		require.NoError(t, err)
	}
	assert.Contains(t, buf.String(), "specialization built")
	assert.Contains(t, buf.String(), "specialization reused")
	assert.Contains(t, buf.String(), "entry=CallPrim_add")
}
