package runner

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/notargets/kernelcall/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingKernel struct {
	entry    string
	released atomic.Int32
}

func (k *countingKernel) Entry() string  { return k.entry }
func (k *countingKernel) Source() string { return "" }
func (k *countingKernel) Release() error {
	k.released.Add(1)
	return nil
}

func TestCacheDropsBuildsForReplacedGeneration(t *testing.T) {
	c := NewSpecializationCache()
	started, finish := make(chan struct{}), make(chan struct{})
	stale := &countingKernel{entry: "CallPrim_add"}

	done := make(chan *Specialization)
	go func() {
		s, err := c.Get(0, "add", func() (*Specialization, error) {
			close(started)
			<-finish
			return &Specialization{Key: "add", Kernel: stale}, nil
		})
		assert.NoError(t, err)
		done <- s
	}()

	<-started
	require.NoError(t, c.Advance(1))
	close(finish)
	s := <-done

	// the caller still gets the kernel it waited for
	require.NotNil(t, s)
	assert.Same(t, stale, s.Kernel)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, int32(0), stale.released.Load())

	fresh := &countingKernel{entry: "CallPrim_add"}
	got, err := c.Get(1, "add", func() (*Specialization, error) {
		return &Specialization{Key: "add", Kernel: fresh}, nil
	})
	require.NoError(t, err)
	assert.Same(t, fresh, got.Kernel)
	assert.Equal(t, 1, c.Len())

	// a lookup for the old generation never sees the new entry
	old, err := c.Get(0, "add", func() (*Specialization, error) {
		return &Specialization{Key: "add", Kernel: &countingKernel{}}, nil
	})
	require.NoError(t, err)
	assert.NotSame(t, fresh, old.Kernel)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Clear())
	assert.Equal(t, int32(1), stale.released.Load())
	assert.Equal(t, int32(1), fresh.released.Load())
	assert.Equal(t, int32(1), old.Kernel.(*countingKernel).released.Load())
}

func TestReloadDuringSpecialize(t *testing.T) {
	m, _ := newTestModule(t)
	add := function(t, m, "add")

	const rounds = 8
	var wg sync.WaitGroup
	errs := make(chan error, 4*rounds)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := add.Specialize(nil, []float32{1, 2}, 1.0); err != nil {
					errs <- err
				}
			}
		}()
	}
	for i := 0; i < rounds; i++ {
		require.NoError(t, m.Reload(testProgram(fmt.Sprintf("kernels%d", i%2))))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// every cached kernel was generated for the program loaded last
	name := m.Config().ModuleName
	want := fmt.Sprintf("import %q;", name)
	m.cache.mu.RLock()
	defer m.cache.mu.RUnlock()
	assert.Equal(t, uint64(rounds), m.cache.generation)
	for key, s := range m.cache.entries {
		assert.True(t, strings.Contains(s.Source.Text, want), "%s was built for another program", key)
		assert.True(t, strings.HasPrefix(key, name+"::"), key)
	}
}

var _ device.Kernel = (*countingKernel)(nil)
