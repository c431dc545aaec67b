package occa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
)

const indent = "    "

var oklTypes = map[reflection.ScalarType]string{
	reflection.ScalarInt32:   "int",
	reflection.ScalarUInt32:  "unsigned int",
	reflection.ScalarInt64:   "long",
	reflection.ScalarUInt64:  "unsigned long",
	reflection.ScalarFloat32: "float",
	reflection.ScalarFloat64: "double",
}

func oklType(f device.Format) (string, error) {
	if f.Count != 1 {
		return "", fmt.Errorf("OKL target moves scalar elements only, got %s", f)
	}
	t, ok := oklTypes[f.Scalar]
	if !ok {
		return "", fmt.Errorf("OKL target has no type for %s", f.Scalar.Name())
	}
	return t, nil
}

// definesFunction reports whether the OKL prelude declares fn
func definesFunction(prelude, fn string) bool {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(fn) + `\s*\(`).MatchString(prelude)
}

// layoutWalk follows records in the order device.Pack writes them, tracking
// layout positions and the kernel parameter of every distinct buffer.
type layoutWalk struct {
	pos     int
	index   map[device.Buffer]int
	buffers []string
}

// walk advances over rec and returns the layout index where it starts
func (w *layoutWalk) walk(rec *device.Record) (int, error) {
	start := w.pos
	w.pos += 3
	if rec == nil {
		return start, nil
	}
	switch rec.Kind {
	case device.RecordNone:
	case device.RecordValue:
		w.pos++
	case device.RecordBuffer:
		if _, ok := w.index[rec.Buffer]; !ok {
			typ, err := oklType(rec.Format)
			if err != nil {
				return 0, err
			}
			w.index[rec.Buffer] = len(w.buffers)
			w.buffers = append(w.buffers, typ)
		}
		w.pos += 2 + 3*len(rec.Shape)
	case device.RecordGenerated:
		w.pos += 4 + len(rec.Params)
	case device.RecordStruct:
		w.pos++
		for _, f := range rec.Fields {
			if _, err := w.walk(f); err != nil {
				return 0, err
			}
		}
	case device.RecordDiffPair:
		if _, err := w.walk(rec.Primal); err != nil {
			return 0, err
		}
		if _, err := w.walk(rec.Derivative); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unknown record kind %d", rec.Kind)
	}
	return start, nil
}

// LowerOKL writes the OKL kernel that runs one primal call of src.Function,
// which the prelude must define. The kernel takes the arguments Args builds:
// the thread count, the packed layout, the uniform bytes and one pointer per
// distinct buffer. Strides, transforms and uniform offsets are read from the
// layout, so calls whose records share kinds, formats and ranks lower to the
// same text.
//
// in arguments are passed by value, out and inout ones by address. A
// differential pair passes its primal channel. Locals are prefixed with arg_.
func LowerOKL(src device.Source, prelude string, tileSize int, data *device.CallData) (string, error) {
	if data.Mode != "" && data.Mode != "prim" {
		return "", fmt.Errorf("OKL target runs primal calls only, got %s", data.Mode)
	}
	rank := len(data.CallShape)
	w := &layoutWalk{pos: 2 + rank, index: make(map[device.Buffer]int)}

	var body, stores []string
	var args []string
	hasResult := false
	for _, rec := range data.Args {
		start, err := w.walk(rec)
		if err != nil {
			return "", fmt.Errorf("%s: %w", rec.Name, err)
		}
		if rec.Name == device.ThisName {
			return "", fmt.Errorf("OKL target cannot call methods")
		}
		value, pos := rec, start
		if rec.Kind == device.RecordDiffPair {
			value, pos = rec.Primal, start+3
		}
		typ, err := oklType(value.Format)
		if err != nil {
			return "", fmt.Errorf("%s: %w", rec.Name, err)
		}

		name := "arg_" + rec.Name
		body = append(body, fmt.Sprintf("%s %s;", typ, name))
		switch value.Kind {
		case device.RecordValue:
			body = append(body, fmt.Sprintf("%s = *((const %s*) (uniforms + layout[%d]));", name, typ, pos+3))
		case device.RecordBuffer:
			buf, r := w.index[value.Buffer], len(value.Shape)
			strides, transform := pos+5+r, pos+5+2*r
			off := "off_" + rec.Name
			body = append(body, fmt.Sprintf("long %s = 0;", off))
			for i := 0; i < r; i++ {
				body = append(body, fmt.Sprintf("if (layout[%d] >= 0) %s += coord[layout[%d]] * layout[%d];",
					transform+i, off, transform+i, strides+i))
			}
			if rec.IO != reflection.IOOut {
				body = append(body, fmt.Sprintf("%s = buf%d[%s];", name, buf, off))
			}
			if value.Writable {
				stores = append(stores, fmt.Sprintf("buf%d[%s] = %s;", buf, off, name))
			}
		default:
			return "", fmt.Errorf("%s: OKL target cannot move %s records", rec.Name, value.Kind)
		}

		switch {
		case rec.Name == device.ResultName:
			hasResult = true
		case rec.IO == reflection.IOIn:
			args = append(args, name)
		default:
			args = append(args, "&"+name)
		}
	}

	call := fmt.Sprintf("%s(%s);", src.Function, strings.Join(args, ", "))
	if hasResult {
		call = "arg_" + device.ResultName + " = " + call
	}

	params := []string{"const long threadCount", "const int *layout", "const char *uniforms"}
	for i, t := range w.buffers {
		params = append(params, fmt.Sprintf("%s *buf%d", t, i))
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(prelude, "\n"))
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "@kernel void %s(%s) {\n", src.Entry, strings.Join(params, ", "))
	fmt.Fprintf(&sb, "%sfor (int tid = 0; tid < threadCount; ++tid; @tile(%d, @outer, @inner)) {\n", indent, tileSize)
	in := indent + indent
	if rank > 0 {
		fmt.Fprintf(&sb, "%sint coord[%d];\n", in, rank)
		fmt.Fprintf(&sb, "%slong rem = tid;\n", in)
		fmt.Fprintf(&sb, "%sfor (int i = %d; i >= 0; --i) {\n", in, rank-1)
		fmt.Fprintf(&sb, "%s%scoord[i] = rem %% layout[1 + i];\n", in, indent)
		fmt.Fprintf(&sb, "%s%srem /= layout[1 + i];\n", in, indent)
		fmt.Fprintf(&sb, "%s}\n", in)
	}
	for _, l := range body {
		sb.WriteString(in + l + "\n")
	}
	sb.WriteString(in + call + "\n")
	for _, l := range stores {
		sb.WriteString(in + l + "\n")
	}
	fmt.Fprintf(&sb, "%s}\n}\n", indent)
	return sb.String(), nil
}
