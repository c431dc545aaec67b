package emulated

import (
	"fmt"
	"sync"

	"github.com/notargets/kernelcall/device"
)

// Buffer is host memory standing in for a device buffer
type Buffer struct {
	mu          sync.Mutex
	data        []byte
	elementSize int
	usage       device.ResourceUsage
	released    bool
}

func newBuffer(elementCount, elementSize int, usage device.ResourceUsage) *Buffer {
	return &Buffer{
		data:        make([]byte, elementCount*elementSize),
		elementSize: elementSize,
		usage:       usage,
	}
}

func (b *Buffer) ElementCount() int {
	if b.elementSize == 0 {
		return 0
	}
	return len(b.data) / b.elementSize
}

func (b *Buffer) ElementSize() int            { return b.elementSize }
func (b *Buffer) Usage() device.ResourceUsage { return b.usage }

func (b *Buffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("write to released buffer")
	}
	if len(data) > len(b.data) {
		return fmt.Errorf("write of %d bytes overflows buffer of %d bytes", len(data), len(b.data))
	}
	copy(b.data, data)
	return nil
}

func (b *Buffer) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, fmt.Errorf("read from released buffer")
	}
	return append([]byte(nil), b.data...), nil
}

func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.data = nil
	return nil
}

func (b *Buffer) load(offset int, f device.Format) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, end := offset*f.Size(), (offset+1)*f.Size()
	if offset < 0 || end > len(b.data) {
		return nil, fmt.Errorf("element %d out of range for buffer of %d bytes", offset, len(b.data))
	}
	return f.Decode(b.data[start:end])
}

func (b *Buffer) store(offset int, f device.Format, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, end := offset*f.Size(), (offset+1)*f.Size()
	if offset < 0 || end > len(b.data) {
		return fmt.Errorf("element %d out of range for buffer of %d bytes", offset, len(b.data))
	}
	return f.EncodeInto(b.data[start:end], v)
}
