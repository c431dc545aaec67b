// Package emulated implements device.Device on the host CPU. Device functions
// are supplied as Go implementations keyed by name; a dispatch walks the
// transfer records of every thread, calls the implementation and stores the
// writable results back into their buffers.
package emulated

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/notargets/kernelcall/device"
)

var loggerPtr atomic.Pointer[slog.Logger]

// SetLogger sets the logger used by emulated devices. nil restores the
// default, which discards everything.
func SetLogger(l *slog.Logger) {
	loggerPtr.Store(l)
}

func slogger() *slog.Logger {
	if l := loggerPtr.Load(); l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// Arg is one argument of an emulated function call. Grad carries the
// derivative channel of differentiable arguments and is nil otherwise.
type Arg struct {
	Name  string
	Value any
	Grad  any
}

// Func is the host implementation of a device function. It may replace the
// Value or Grad of out and inout arguments. The returned value is stored into
// the call's result when the function has one.
type Func func(args []*Arg) (any, error)

// job is one queued dispatch. Its fault goes back to the dispatching caller
// only.
type job struct {
	run  func() error
	done chan error
}

// Device runs dispatches in order on a single worker goroutine. Dispatch
// waits for its own job, so concurrent callers never see each other's
// faults.
type Device struct {
	mu        sync.RWMutex
	functions map[string]Func
	backward  map[string]Func

	jobs     chan job
	idleMu   sync.Mutex
	idle     *sync.Cond
	inflight int
	closed   bool
}

var _ device.Device = (*Device)(nil)

// New starts an emulated device
func New() *Device {
	d := &Device{
		functions: make(map[string]Func),
		backward:  make(map[string]Func),
		jobs:      make(chan job, 64),
	}
	d.idle = sync.NewCond(&d.idleMu)
	go d.worker()
	return d
}

// Register supplies the implementation of a device function. Methods are
// registered as "Type.method".
func (d *Device) Register(name string, fn Func) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.functions[name] = fn
	return d
}

// RegisterBackward supplies the backward derivative of a device function.
// It receives every argument including the result, with the derivative of
// the result in its Grad, and accumulates into the Grad of its inputs.
func (d *Device) RegisterBackward(name string, fn Func) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backward[name] = fn
	return d
}

func (d *Device) lookup(name, mode string) (Func, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if mode == "bwds" {
		fn, ok := d.backward[name]
		return fn, ok
	}
	fn, ok := d.functions[name]
	return fn, ok
}

func (d *Device) worker() {
	for j := range d.jobs {
		j.done <- j.run()
		d.idleMu.Lock()
		d.inflight--
		if d.inflight == 0 {
			d.idle.Broadcast()
		}
		d.idleMu.Unlock()
	}
}

// Close stops the worker. Pending work completes first.
func (d *Device) Close() {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for d.inflight > 0 {
		d.idle.Wait()
	}
	close(d.jobs)
}

func (d *Device) CreateBuffer(elementCount, elementSize int, usage device.ResourceUsage) (device.Buffer, error) {
	if elementCount < 0 || elementSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d elements of %d bytes", elementCount, elementSize)
	}
	slogger().Debug("emulated: buffer created", "elements", elementCount, "elementSize", elementSize, "usage", usage)
	return newBuffer(elementCount, elementSize, usage), nil
}

// Kernel is a compiled emulated kernel
type Kernel struct {
	src device.Source
}

func (k *Kernel) Entry() string  { return k.src.Entry }
func (k *Kernel) Source() string { return k.src.Text }
func (k *Kernel) Release() error { return nil }

// Compile checks that the entry point is defined and the called function has
// an implementation.
func (d *Device) Compile(src device.Source) (device.Kernel, error) {
	if !strings.Contains(src.Text, " "+src.Entry+"(") {
		return nil, fmt.Errorf("entry point %q is not defined", src.Entry)
	}
	d.mu.RLock()
	_, fwd := d.functions[src.Function]
	_, bwd := d.backward[src.Function]
	d.mu.RUnlock()
	if !fwd && !bwd {
		return nil, fmt.Errorf("undefined identifier %q", src.Function)
	}
	slogger().Debug("emulated: kernel compiled", "entry", src.Entry, "function", src.Function)
	return &Kernel{src: src}, nil
}

// Dispatch queues the kernel behind earlier dispatches and returns once it
// has run, with the fault it raised.
func (d *Device) Dispatch(k device.Kernel, threadCount []int, data *device.CallData) error {
	kern, ok := k.(*Kernel)
	if !ok {
		return fmt.Errorf("kernel %s was not compiled by an emulated device", k.Entry())
	}
	fn, ok := d.lookup(kern.src.Function, data.Mode)
	if !ok {
		return fmt.Errorf("no %s implementation of %q", data.Mode, kern.src.Function)
	}
	shape := append([]int(nil), threadCount...)

	d.idleMu.Lock()
	if d.closed {
		d.idleMu.Unlock()
		return fmt.Errorf("dispatch on closed device")
	}
	d.inflight++
	d.idleMu.Unlock()

	done := make(chan error, 1)
	d.jobs <- job{
		run: func() error {
			slogger().Debug("emulated: dispatch", "entry", kern.src.Entry, "threads", device.ThreadCount(shape))
			return execute(fn, shape, data)
		},
		done: done,
	}
	return <-done
}

// WaitIdle blocks until no dispatch is queued or running. Faults are
// returned by the Dispatch that raised them.
func (d *Device) WaitIdle() error {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	return nil
}
