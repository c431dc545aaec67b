package device

import (
	"fmt"
	"math"
)

// Packed is CallData flattened for backends that take a flat argument list:
// one int32 layout table, one block of uniform bytes, and the buffers in
// first-use order.
//
// The layout begins with the call rank, the call shape and the argument
// count, followed by each record depth first:
//
//	kind scalar count
//	value:     uniformOffset
//	buffer:    bufferIndex rank shape... strides... transform...
//	generated: generator dims seed paramCount params...
//	struct:    fieldCount fields...
//	diffpair:  primal derivative
type Packed struct {
	Layout   []int32
	Uniforms []byte
	Buffers  []Buffer
}

// GeneratorIDs identifies generated records in a packed layout
var GeneratorIDs = map[string]int{
	GenWangHash:  1,
	GenThreadID:  2,
	GenRandFloat: 3,
}

// Pack flattens data
func Pack(data *CallData) (*Packed, error) {
	p := &Packed{}
	p.put(len(data.CallShape))
	for _, s := range data.CallShape {
		p.put(s)
	}
	p.put(len(data.Args))
	bufferIndex := make(map[Buffer]int)
	for _, rec := range data.Args {
		if err := p.record(rec, bufferIndex); err != nil {
			return nil, fmt.Errorf("packing %s: %w", rec.Name, err)
		}
	}
	return p, nil
}

func (p *Packed) put(v int) {
	p.Layout = append(p.Layout, int32(v))
}

func (p *Packed) record(rec *Record, bufferIndex map[Buffer]int) error {
	if rec == nil {
		p.put(int(RecordNone))
		p.put(0)
		p.put(0)
		return nil
	}
	p.put(int(rec.Kind))
	p.put(int(rec.Format.Scalar))
	p.put(rec.Format.Count)
	switch rec.Kind {
	case RecordNone:
	case RecordValue:
		b, err := rec.Format.Encode(rec.Value)
		if err != nil {
			return err
		}
		// uniforms stay aligned to their scalar size
		if align := rec.Format.Scalar.Size(); align > 0 {
			for len(p.Uniforms)%align != 0 {
				p.Uniforms = append(p.Uniforms, 0)
			}
		}
		p.put(len(p.Uniforms))
		p.Uniforms = append(p.Uniforms, b...)
	case RecordBuffer:
		if rec.Buffer == nil {
			return fmt.Errorf("buffer record has no buffer")
		}
		idx, ok := bufferIndex[rec.Buffer]
		if !ok {
			idx = len(p.Buffers)
			bufferIndex[rec.Buffer] = idx
			p.Buffers = append(p.Buffers, rec.Buffer)
		}
		p.put(idx)
		p.put(len(rec.Shape))
		for _, s := range rec.Shape {
			p.put(s)
		}
		for _, s := range rec.Strides {
			p.put(s)
		}
		for _, t := range rec.Transform {
			p.put(t)
		}
	case RecordGenerated:
		id, ok := GeneratorIDs[rec.Generator]
		if !ok {
			return fmt.Errorf("unknown generator %q", rec.Generator)
		}
		p.put(id)
		p.put(rec.Dims)
		p.Layout = append(p.Layout, int32(rec.Seed))
		p.put(len(rec.Params))
		for _, param := range rec.Params {
			p.Layout = append(p.Layout, int32(math.Float32bits(float32(param))))
		}
	case RecordStruct:
		p.put(len(rec.Fields))
		for _, f := range rec.Fields {
			if err := p.record(f, bufferIndex); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
	case RecordDiffPair:
		if err := p.record(rec.Primal, bufferIndex); err != nil {
			return err
		}
		if err := p.record(rec.Derivative, bufferIndex); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown record kind %d", rec.Kind)
	}
	return nil
}
