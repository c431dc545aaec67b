// Package device is the surface the call binder needs from a compute device:
// buffer creation, compiling generated source, dispatching a kernel over a
// call shape, and waiting for queued work.
package device

import "strings"

// ResourceUsage is a set of buffer usage flags
type ResourceUsage uint32

const (
	UsageNone           ResourceUsage = 0
	UsageShaderResource ResourceUsage = 1 << iota
	UsageUnorderedAccess
	UsageCopySource
	UsageCopyDestination
)

// UsageReadWrite is the usage given to buffers the binder allocates itself
const UsageReadWrite = UsageShaderResource | UsageUnorderedAccess

// Has reports whether all bits of flag are set
func (u ResourceUsage) Has(flag ResourceUsage) bool {
	return u&flag == flag
}

func (u ResourceUsage) String() string {
	if u == UsageNone {
		return "none"
	}
	var parts []string
	if u.Has(UsageShaderResource) {
		parts = append(parts, "shader_resource")
	}
	if u.Has(UsageUnorderedAccess) {
		parts = append(parts, "unordered_access")
	}
	if u.Has(UsageCopySource) {
		parts = append(parts, "copy_source")
	}
	if u.Has(UsageCopyDestination) {
		parts = append(parts, "copy_destination")
	}
	return strings.Join(parts, "|")
}

// Buffer is a linear block of device memory holding ElementCount elements
type Buffer interface {
	ElementCount() int
	ElementSize() int
	Usage() ResourceUsage
	// Write copies data into the buffer starting at byte 0
	Write(data []byte) error
	// Read returns a copy of the whole buffer
	Read() ([]byte, error)
	Release() error
}

// Source is generated kernel source ready for compilation
type Source struct {
	// Function is the device function the kernel calls
	Function string
	// Entry is the compute entry point
	Entry string
	Text  string
}

// Kernel is a compiled Source
type Kernel interface {
	Entry() string
	Source() string
	Release() error
}

// Device compiles and runs generated kernels
type Device interface {
	Compile(src Source) (Kernel, error)
	// Dispatch runs one thread per element of threadCount. A backend may
	// return before the work completes; faults it observes later are
	// returned by WaitIdle.
	Dispatch(k Kernel, threadCount []int, data *CallData) error
	CreateBuffer(elementCount, elementSize int, usage ResourceUsage) (Buffer, error)
	// WaitIdle blocks until all dispatched work has completed
	WaitIdle() error
}
