package runner

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/typeregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastStretchesSizeOneAxes(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	call, err := add.Bind(nil, []float32{1, 2, 3, 4}, []float32{5})
	require.NoError(t, err)

	if diff := cmp.Diff(typeregistry.Shape{4}, call.CallShape); diff != "" {
		t.Errorf("call shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(device.IndexTransform{0}, call.Arg("a").Transform); diff != "" {
		t.Errorf("a transform mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(device.IndexTransform{device.Broadcast}, call.Arg("b").Transform); diff != "" {
		t.Errorf("b transform mismatch (-want +got):\n%s", diff)
	}

	result := call.Arg(device.ResultName)
	require.NotNil(t, result)
	assert.True(t, result.Auto)
	assert.Equal(t, typeregistry.Shape{4}, result.Shape)
}

func TestBroadcastAlignsTrailingAxes(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	call, err := add.Bind(nil, [][]float32{{1, 2, 3}, {4, 5, 6}}, []float32{10, 20, 30})
	require.NoError(t, err)
	assert.Equal(t, typeregistry.Shape{2, 3}, call.CallShape)
	assert.Equal(t, device.IndexTransform{0, 1}, call.Arg("a").Transform)
	assert.Equal(t, device.IndexTransform{1}, call.Arg("b").Transform)
}

func TestBroadcastUniforms(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	call, err := add.Bind(nil, []float32{1, 2, 3}, 2.0)
	require.NoError(t, err)
	assert.Equal(t, typeregistry.Shape{3}, call.CallShape)
	assert.Empty(t, call.Arg("b").Shape)
	assert.Empty(t, call.Arg("b").Transform)

	call, err = add.Bind(nil, 1.0, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 0, call.CallShape.Rank())
}

func TestBroadcastShapeMismatch(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	_, err := add.Bind(nil, []float32{1, 2, 3}, []float32{1, 2, 3, 4})
	require.Error(t, err)

	var mismatch *callerr.ShapeMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, 0, mismatch.Axis)
	assert.Equal(t, "a", mismatch.First)
	assert.Equal(t, "b", mismatch.Second)
	assert.Equal(t, 3, mismatch.FirstSize)
	assert.Equal(t, 4, mismatch.SecondSize)
	assert.Equal(t, 0, m.CacheSize())
}

func TestBroadcastStructFields(t *testing.T) {
	m, _ := newTestModule(t)
	sum := function(t, m, "sum")

	// struct fields broadcast like top-level arguments
	call, err := sum.Bind(nil, test2f{X: 1, Y: 2})
	require.NoError(t, err)
	v := call.Arg("v")
	require.Len(t, v.Children, 2)
	assert.Equal(t, "v.x", v.Child("x").Path)
	assert.Equal(t, 0, call.CallShape.Rank())
}
