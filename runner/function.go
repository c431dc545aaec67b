// Package runner binds Go call sites to functions of a reflected device
// program. A call is bound against the function's signature, specialized to
// the concrete types and access patterns of its arguments, compiled once per
// specialization and dispatched over the broadcast call shape.
//
//	mod := runner.NewModule(dev, program, runner.Config{})
//	add, _ := mod.Function("add")
//	sum, err := add.Call(a, b)
package runner

import (
	"sync"

	"github.com/notargets/kernelcall/callerr"
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
	"github.com/notargets/kernelcall/typeregistry"
	"go.uber.org/multierr"
)

// Module is a device program loaded on one device. It owns the type
// registry and the specialization cache of its functions.
type Module struct {
	dev      device.Device
	registry *typeregistry.Registry
	cache    *SpecializationCache

	// base is the Config as given, cfg has the defaults of the current
	// program applied
	base Config

	mu      sync.RWMutex
	program reflection.Program
	cfg     Config
	// generation counts program reloads
	generation uint64
}

// moduleState is a consistent view of the program a call binds against
type moduleState struct {
	program    reflection.Program
	cfg        Config
	generation uint64
}

func (m *Module) state() moduleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return moduleState{program: m.program, cfg: m.cfg, generation: m.generation}
}

// NewModule wraps program for calls on dev
func NewModule(dev device.Device, program reflection.Program, cfg Config) *Module {
	return &Module{
		dev:      dev,
		registry: typeregistry.NewRegistry(),
		cache:    NewSpecializationCache(),
		base:     cfg,
		program:  program,
		cfg:      cfg.withDefaults(program),
	}
}

func (m *Module) Device() device.Device            { return m.dev }
func (m *Module) Registry() *typeregistry.Registry { return m.registry }
func (m *Module) Cache() *SpecializationCache      { return m.cache }
func (m *Module) CacheSize() int                   { return m.cache.Len() }

func (m *Module) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Module) Program() reflection.Program {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.program
}

// Reload swaps in a new build of the program and drops every compiled
// specialization. Function handles pick up the new program on their next
// call; kernels still compiling for the old program are not cached.
func (m *Module) Reload(program reflection.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.program = program
	m.cfg = m.base.withDefaults(program)
	m.generation++
	slogger().Info("runner: module reloaded", "module", program.Name(), "generation", m.generation)
	return m.cache.Advance(m.generation)
}

// Release drops every compiled specialization
func (m *Module) Release() error {
	return m.cache.Clear()
}

func (m *Module) resolver(st moduleState) *Resolver {
	return &Resolver{Program: st.program, Registry: m.registry, DefaultFloat: st.cfg.DefaultFloat}
}

// Function returns a handle on a free function of the program
func (m *Module) Function(name string) (*Function, error) {
	if _, ok := m.Program().FindFunction(name); !ok {
		return nil, callerr.UnknownType("function %s in module %s", name, m.Program().Name())
	}
	return &Function{module: m, name: name, mode: ModePrim}, nil
}

// specialize returns the compiled kernel for a call bound against st
func (m *Module) specialize(call *BoundCall, st moduleState) (*Specialization, error) {
	cfg := st.cfg
	key := SpecializationKey(cfg.ModuleName, call)
	return m.cache.Get(st.generation, key, func() (*Specialization, error) {
		src := GenerateSource(call, cfg)
		kernel, err := m.dev.Compile(src)
		if err != nil {
			return nil, callerr.Compile(src.Entry, src.Text, err)
		}
		return &Specialization{Key: key, Source: src, Kernel: kernel}, nil
	})
}

// Function is a callable device function. The fluent modifiers return
// copies, so a handle can be shared between goroutines.
type Function struct {
	module   *Module
	name     string
	receiver string
	mode     CallMode
	ret      typeregistry.ReturnType
	retErr   error
}

func (f *Function) clone() *Function {
	c := *f
	return &c
}

// Name is the function name, prefixed by its struct for methods
func (f *Function) Name() string {
	if f.receiver == "" {
		return f.name
	}
	return f.receiver + "." + f.name
}

// Bwds returns the backward derivative form of the function. Gradients flow
// from the gradient of _result into the gradient buffers of its inputs.
func (f *Function) Bwds() *Function {
	c := f.clone()
	c.mode = ModeBwds
	return c
}

// ReturnType selects how an omitted _result is stored: a
// typeregistry.ReturnType, a reflect.Type or a sample value of a registered
// type (e.g. &typeregistry.ValueRef{}, or typeregistry.Discard to drop the
// value). An unknown type is reported by the next call.
func (f *Function) ReturnType(t any) *Function {
	c := f.clone()
	c.ret, c.retErr = f.module.registry.ReturnFor(t)
	return c
}

func (f *Function) lookup(program reflection.Program) (reflection.Function, reflection.Type, error) {
	if f.receiver == "" {
		fn, ok := program.FindFunction(f.name)
		if !ok {
			return nil, nil, callerr.UnknownType("function %s in module %s", f.name, program.Name())
		}
		return fn, nil, nil
	}
	recv, ok := program.FindType(f.receiver)
	if !ok {
		return nil, nil, callerr.UnknownType("type %s in module %s", f.receiver, program.Name())
	}
	fn, ok := program.FindMethod(f.receiver, f.name)
	if !ok {
		return nil, nil, callerr.UnknownType("method %s.%s in module %s", f.receiver, f.name, program.Name())
	}
	return fn, recv, nil
}

// Bind binds a call without generating or compiling anything
func (f *Function) Bind(kwargs Kwargs, args ...any) (*BoundCall, error) {
	call, _, err := f.bind(kwargs, args)
	return call, err
}

func (f *Function) bind(kwargs Kwargs, args []any) (*BoundCall, moduleState, error) {
	st := f.module.state()
	if f.retErr != nil {
		return nil, st, f.retErr
	}
	fn, recv, err := f.lookup(st.program)
	if err != nil {
		return nil, st, err
	}
	call, err := Bind(f.module.resolver(st), CallSite{
		Function: fn,
		Receiver: recv,
		Mode:     f.mode,
		Return:   f.ret,
		Args:     args,
		Kwargs:   kwargs,
	})
	return call, st, err
}

// GenerateSource returns the kernel a call with these arguments would
// compile, without compiling or dispatching it
func (f *Function) GenerateSource(kwargs Kwargs, args ...any) (string, error) {
	call, st, err := f.bind(kwargs, args)
	if err != nil {
		return "", err
	}
	return GenerateSource(call, st.cfg).Text, nil
}

// Specialize binds a call and returns its compiled specialization without
// dispatching it
func (f *Function) Specialize(kwargs Kwargs, args ...any) (*Specialization, error) {
	call, st, err := f.bind(kwargs, args)
	if err != nil {
		return nil, err
	}
	return f.module.specialize(call, st)
}

// Call calls the function with positional arguments
func (f *Function) Call(args ...any) (any, error) {
	return f.CallKw(nil, args...)
}

// CallKw calls the function with keyword and positional arguments. It
// returns after the dispatch completed and writable host values received
// their results. The result is the function's return value when _result
// was omitted, nil otherwise.
func (f *Function) CallKw(kwargs Kwargs, args ...any) (any, error) {
	call, st, err := f.bind(kwargs, args)
	if err != nil {
		return nil, err
	}
	spec, err := f.module.specialize(call, st)
	if err != nil {
		return nil, err
	}

	frame, err := marshal(f.module.dev, f.module.registry, call)
	if err != nil {
		return nil, err
	}
	if err := f.module.dev.Dispatch(spec.Kernel, call.CallShape, frame.data); err != nil {
		return nil, multierr.Append(callerr.Device("dispatch "+spec.Source.Entry, err), frame.release())
	}
	slogger().Debug("runner: dispatched", "entry", spec.Source.Entry, "shape", call.CallShape.String())
	return frame.unmarshal()
}
