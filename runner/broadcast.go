package runner

import (
	"fmt"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/typeregistry"
)

// Broadcast unifies the container shapes of every leaf of call into the call
// shape. Shapes align on their trailing axes; size-1 axes stretch. Each leaf
// gets the transform from call coordinates to its own storage axes, with
// device.Broadcast on the stretched ones. Auto-allocated results take no
// part and keep their own transform.
func Broadcast(call *BoundCall) (typeregistry.Shape, error) {
	var leaves []*BoundVariable
	for _, a := range call.Args {
		if !a.Auto {
			leaves = appendLeaves(leaves, a)
		}
	}

	rank := 0
	for _, v := range leaves {
		v.Shape = nil
		if v.Host.Kind().Container() {
			v.Shape = v.Host.ValueShape(v.Value)
		}
		if !v.Shape.Concrete() {
			return nil, fmt.Errorf("%s: shape %s is not known", v.Path, v.Shape)
		}
		rank = max(rank, v.Shape.Rank())
	}

	shape := make(typeregistry.Shape, rank)
	owner := make([]*BoundVariable, rank)
	for _, v := range leaves {
		offset := rank - v.Shape.Rank()
		for i, n := range v.Shape {
			axis := offset + i
			switch {
			case n == 1:
			case owner[axis] == nil:
				owner[axis], shape[axis] = v, n
			case shape[axis] != n:
				return nil, callerr.ShapeMismatch(owner[axis].Path, v.Path, axis, shape[axis], n)
			}
		}
	}
	for axis := range shape {
		if owner[axis] == nil {
			shape[axis] = 1
		}
	}

	for _, v := range leaves {
		v.Transform = broadcastTransform(v.Shape, rank)
	}
	call.CallShape = shape
	return shape, nil
}

func appendLeaves(leaves []*BoundVariable, v *BoundVariable) []*BoundVariable {
	if v.isStruct() {
		for _, c := range v.Children {
			leaves = appendLeaves(leaves, c)
		}
		return leaves
	}
	return append(leaves, v)
}

func broadcastTransform(local typeregistry.Shape, callRank int) device.IndexTransform {
	t := make(device.IndexTransform, len(local))
	offset := callRank - len(local)
	for i, n := range local {
		if n == 1 {
			t[i] = device.Broadcast
		} else {
			t[i] = offset + i
		}
	}
	return t
}
