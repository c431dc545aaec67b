// Package occa runs generated kernels through OCCA. Generated source is not
// OKL, so each dispatch is lowered to an OKL kernel that calls the device
// function from Config.Prelude. Call data is packed with device.Pack and
// passed as (threadCount, layout, uniforms, buffers...).
package occa

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/kernelcall/device"
)

// maxKernelArgs is the most arguments gocca passes to a kernel
const maxKernelArgs = 11

// Config selects the OCCA backend
type Config struct {
	// Props is the device property JSON, e.g. {"mode": "CUDA", "device_id": 0}
	Props string
	// CompilerFlags overrides the backend compiler flags. OpenMP defaults to -O3.
	CompilerFlags string
	// Prelude is OKL source defining the device functions kernels call
	Prelude string
	// TileSize is the @tile width of lowered kernels, 64 when zero
	TileSize int
}

// Device adapts an OCCA device to device.Device
type Device struct {
	dev  *gocca.OCCADevice
	cfg  Config
	owns bool

	mu       sync.Mutex
	inflight []*gocca.OCCAMemory
}

var _ device.Device = (*Device)(nil)

// New creates an OCCA device from cfg.Props
func New(cfg Config) (*Device, error) {
	dev, err := gocca.NewDevice(cfg.Props)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCCA device %s: %w", cfg.Props, err)
	}
	return &Device{dev: dev, cfg: cfg, owns: true}, nil
}

// Wrap adapts an existing OCCA device. The caller keeps ownership.
func Wrap(dev *gocca.OCCADevice, cfg Config) *Device {
	return &Device{dev: dev, cfg: cfg}
}

// Mode returns the OCCA backend name
func (d *Device) Mode() string { return d.dev.Mode() }

// Free waits for queued work and releases the device if it was created by New
func (d *Device) Free() {
	_ = d.WaitIdle()
	if d.owns {
		d.dev.Free()
	}
}

// Buffer is OCCA device memory
type Buffer struct {
	mem         *gocca.OCCAMemory
	count, size int
	usage       device.ResourceUsage
}

func (b *Buffer) ElementCount() int           { return b.count }
func (b *Buffer) ElementSize() int            { return b.size }
func (b *Buffer) Usage() device.ResourceUsage { return b.usage }
func (b *Buffer) Memory() *gocca.OCCAMemory   { return b.mem }
func (b *Buffer) bytes() int                  { return b.count * b.size }

func (b *Buffer) Write(data []byte) error {
	if len(data) > b.bytes() {
		return fmt.Errorf("write of %d bytes overflows buffer of %d bytes", len(data), b.bytes())
	}
	if len(data) == 0 {
		return nil
	}
	b.mem.CopyFrom(unsafe.Pointer(&data[0]), int64(len(data)))
	return nil
}

func (b *Buffer) Read() ([]byte, error) {
	out := make([]byte, b.bytes())
	if len(out) > 0 {
		b.mem.CopyTo(unsafe.Pointer(&out[0]), int64(len(out)))
	}
	return out, nil
}

func (b *Buffer) Release() error {
	if b.mem != nil {
		b.mem.Free()
		b.mem = nil
	}
	return nil
}

func (d *Device) CreateBuffer(elementCount, elementSize int, usage device.ResourceUsage) (device.Buffer, error) {
	if elementCount < 0 || elementSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d elements of %d bytes", elementCount, elementSize)
	}
	// OCCA rejects zero byte allocations
	bytes := max(elementCount*elementSize, elementSize)
	mem := d.dev.Malloc(int64(bytes), nil, nil)
	if mem == nil {
		return nil, fmt.Errorf("failed to allocate %d bytes", bytes)
	}
	return &Buffer{mem: mem, count: elementCount, size: elementSize, usage: usage}, nil
}

// Kernel is a checked Source. OCCA kernels are built on first dispatch, one
// per distinct lowering.
type Kernel struct {
	src device.Source

	mu     sync.Mutex
	builds map[string]*gocca.OCCAKernel
}

func (k *Kernel) Entry() string  { return k.src.Entry }
func (k *Kernel) Source() string { return k.src.Text }

func (k *Kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for text, kernel := range k.builds {
		kernel.Free()
		delete(k.builds, text)
	}
	return nil
}

func (d *Device) Compile(src device.Source) (device.Kernel, error) {
	if strings.ContainsAny(src.Function, ".$") {
		return nil, fmt.Errorf("failed to compile %s: OCCA backend cannot call method %s", src.Entry, src.Function)
	}
	if !definesFunction(d.cfg.Prelude, src.Function) {
		return nil, fmt.Errorf("failed to compile %s: undefined identifier %s", src.Entry, src.Function)
	}
	return &Kernel{src: src, builds: make(map[string]*gocca.OCCAKernel)}, nil
}

func (d *Device) tileSize() int {
	if d.cfg.TileSize > 0 {
		return d.cfg.TileSize
	}
	return 64
}

func (d *Device) build(text, entry string) (*gocca.OCCAKernel, error) {
	flags := d.cfg.CompilerFlags
	if flags == "" && d.dev.Mode() == "OpenMP" {
		// OpenMP does not get -O3 by default
		flags = "-O3"
	}
	var kernel *gocca.OCCAKernel
	var err error
	if flags != "" {
		props := gocca.JsonParse(fmt.Sprintf(`{"compiler_flags": %q}`, flags))
		defer props.Free()
		kernel, err = d.dev.BuildKernelFromString(text, entry, props)
	} else {
		kernel, err = d.dev.BuildKernelFromString(text, entry, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", entry, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("failed to build kernel %s", entry)
	}
	return kernel, nil
}

// kernelFor returns the OCCA kernel running data through k, building it on
// first use
func (d *Device) kernelFor(k *Kernel, data *device.CallData) (*gocca.OCCAKernel, error) {
	text, err := LowerOKL(k.src, d.cfg.Prelude, d.tileSize(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to lower %s: %w", k.src.Entry, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if kernel, ok := k.builds[text]; ok {
		return kernel, nil
	}
	kernel, err := d.build(text, k.src.Entry)
	if err != nil {
		return nil, err
	}
	k.builds[text] = kernel
	return kernel, nil
}

// Args returns the kernel arguments for data, along with the temporary
// device allocations backing the layout and uniforms.
func (d *Device) Args(threadCount []int, data *device.CallData) ([]interface{}, []*gocca.OCCAMemory, error) {
	packed, err := device.Pack(data)
	if err != nil {
		return nil, nil, err
	}
	if n := 3 + len(packed.Buffers); n > maxKernelArgs {
		return nil, nil, fmt.Errorf("call needs %d kernel arguments, OCCA passes at most %d", n, maxKernelArgs)
	}

	layoutMem := d.dev.Malloc(int64(len(packed.Layout)*4), unsafe.Pointer(&packed.Layout[0]), nil)
	uniforms := packed.Uniforms
	if len(uniforms) == 0 {
		uniforms = []byte{0}
	}
	uniformMem := d.dev.Malloc(int64(len(uniforms)), unsafe.Pointer(&uniforms[0]), nil)
	temps := []*gocca.OCCAMemory{layoutMem, uniformMem}

	args := []interface{}{int64(device.ThreadCount(threadCount)), layoutMem, uniformMem}
	for _, b := range packed.Buffers {
		ob, ok := b.(*Buffer)
		if !ok {
			for _, m := range temps {
				m.Free()
			}
			return nil, nil, fmt.Errorf("buffer was not created by an OCCA device")
		}
		args = append(args, ob.mem)
	}
	return args, temps, nil
}

func (d *Device) Dispatch(k device.Kernel, threadCount []int, data *device.CallData) error {
	kern, ok := k.(*Kernel)
	if !ok {
		return fmt.Errorf("kernel %s was not compiled by an OCCA device", k.Entry())
	}
	kernel, err := d.kernelFor(kern, data)
	if err != nil {
		return err
	}
	args, temps, err := d.Args(threadCount, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.inflight = append(d.inflight, temps...)
	d.mu.Unlock()
	if err := kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	return nil
}

// WaitIdle finishes queued work and frees the per-dispatch allocations
func (d *Device) WaitIdle() error {
	d.dev.Finish()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.inflight {
		m.Free()
	}
	d.inflight = nil
	return nil
}
