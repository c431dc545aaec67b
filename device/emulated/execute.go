package emulated

import (
	"fmt"

	"github.com/notargets/kernelcall/device"
)

// execute runs fn once per thread of shape. Threads run in row-major order.
func execute(fn Func, shape []int, data *device.CallData) error {
	var result *device.Record
	var params []*device.Record
	for _, rec := range data.Args {
		if rec.Name == device.ResultName {
			result = rec
			continue
		}
		params = append(params, rec)
	}
	backward := data.Mode == "bwds"

	coord := make([]int, len(shape))
	total := device.ThreadCount(shape)
	for linear := 0; linear < total; linear++ {
		device.Unravel(linear, shape, coord)
		t := thread{coord: coord, linear: linear}

		args := make([]*Arg, 0, len(params)+1)
		for _, rec := range params {
			arg, err := t.loadArg(rec)
			if err != nil {
				return fmt.Errorf("thread %v: %w", coord, err)
			}
			args = append(args, arg)
		}
		var resultArg *Arg
		if backward && result != nil {
			var err error
			if resultArg, err = t.loadArg(result); err != nil {
				return fmt.Errorf("thread %v: %w", coord, err)
			}
			args = append(args, resultArg)
		}

		ret, err := fn(args)
		if err != nil {
			return fmt.Errorf("%s thread %v: %w", data.Function, coord, err)
		}

		for i, rec := range params {
			if err := t.store(rec, args[i].Value, args[i].Grad); err != nil {
				return fmt.Errorf("thread %v: %w", coord, err)
			}
		}
		if result != nil && !backward {
			if err := t.store(result, ret, nil); err != nil {
				return fmt.Errorf("thread %v: %w", coord, err)
			}
		}
	}
	return nil
}

type thread struct {
	coord  []int
	linear int
}

func (t thread) loadArg(rec *device.Record) (*Arg, error) {
	v, g, err := t.load(rec)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", rec.Name, err)
	}
	return &Arg{Name: rec.Name, Value: v, Grad: g}, nil
}

// load returns the primal and derivative values of rec for this thread
func (t thread) load(rec *device.Record) (any, any, error) {
	if rec == nil {
		return nil, nil, nil
	}
	switch rec.Kind {
	case device.RecordNone:
		return nil, nil, nil
	case device.RecordValue:
		return rec.Value, nil, nil
	case device.RecordBuffer:
		buf, ok := rec.Buffer.(*Buffer)
		if !ok {
			return nil, nil, fmt.Errorf("buffer was not created by an emulated device")
		}
		v, err := buf.load(rec.Transform.Offset(t.coord, rec.Strides), rec.Format)
		return v, nil, err
	case device.RecordGenerated:
		v, err := t.generate(rec)
		return v, nil, err
	case device.RecordStruct:
		values := make(map[string]any, len(rec.Fields))
		var grads map[string]any
		for _, f := range rec.Fields {
			v, g, err := t.load(f)
			if err != nil {
				return nil, nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			values[f.Name] = v
			if g != nil {
				if grads == nil {
					grads = make(map[string]any)
				}
				grads[f.Name] = g
			}
		}
		if grads == nil {
			return values, nil, nil
		}
		return values, grads, nil
	case device.RecordDiffPair:
		p, _, err := t.load(rec.Primal)
		if err != nil {
			return nil, nil, fmt.Errorf("primal: %w", err)
		}
		d, _, err := t.load(rec.Derivative)
		if err != nil {
			return nil, nil, fmt.Errorf("derivative: %w", err)
		}
		return p, d, nil
	}
	return nil, nil, fmt.Errorf("unknown record kind %s", rec.Kind)
}

func (t thread) store(rec *device.Record, value, grad any) error {
	if rec == nil {
		return nil
	}
	switch rec.Kind {
	case device.RecordBuffer:
		if !rec.Writable {
			return nil
		}
		buf, ok := rec.Buffer.(*Buffer)
		if !ok {
			return fmt.Errorf("%s: buffer was not created by an emulated device", rec.Name)
		}
		if value == nil {
			return fmt.Errorf("%s: no value was written", rec.Name)
		}
		return buf.store(rec.Transform.Offset(t.coord, rec.Strides), rec.Format, value)
	case device.RecordStruct:
		values, _ := value.(map[string]any)
		grads, _ := grad.(map[string]any)
		for _, f := range rec.Fields {
			if err := t.store(f, values[f.Name], grads[f.Name]); err != nil {
				return err
			}
		}
	case device.RecordDiffPair:
		if err := t.store(rec.Primal, value, nil); err != nil {
			return err
		}
		return t.store(rec.Derivative, grad, nil)
	}
	return nil
}

func (t thread) generate(rec *device.Record) (any, error) {
	switch rec.Generator {
	case device.GenWangHash:
		return hashes(rec.Seed, t.linear, rec.Dims), nil
	case device.GenThreadID:
		out := make([]int32, rec.Dims)
		for i := range out {
			// x is the fastest varying axis
			if axis := len(t.coord) - 1 - i; axis >= 0 {
				out[i] = int32(t.coord[axis])
			}
		}
		return single(out), nil
	case device.GenRandFloat:
		if len(rec.Params) != 2 {
			return nil, fmt.Errorf("randfloat needs min and max")
		}
		lo, hi := rec.Params[0], rec.Params[1]
		out := make([]float32, rec.Dims)
		h := wangHash(rec.Seed ^ wangHash(uint32(t.linear)))
		for i := range out {
			out[i] = float32(lo + (hi-lo)*float64(h)/4294967296.0)
			h = wangHash(h)
		}
		return single(out), nil
	}
	return nil, fmt.Errorf("unknown generator %q", rec.Generator)
}

func hashes(seed uint32, linear, dims int) any {
	out := make([]uint32, dims)
	h := wangHash(seed ^ wangHash(uint32(linear)))
	for i := range out {
		out[i] = h
		h = wangHash(h)
	}
	return single(out)
}

func wangHash(seed uint32) uint32 {
	seed = (seed ^ 61) ^ (seed >> 16)
	seed *= 9
	seed = seed ^ (seed >> 4)
	seed *= 0x27d4eb2d
	seed = seed ^ (seed >> 15)
	return seed
}

func single[T any](vals []T) any {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}
