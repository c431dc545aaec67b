package runner

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/notargets/kernelcall/device"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Specialization is a compiled kernel for one specialization key. It is
// never mutated once built.
type Specialization struct {
	Key    string
	Source device.Source
	Kernel device.Kernel
}

// SpecializationCache holds the compiled specializations of a module. Each
// key is compiled once; concurrent first calls for a key wait for the one
// compiling it. The cache has no eviction; Clear empties it.
//
// Entries belong to one program generation. A build started for an earlier
// generation is returned to its caller but not cached, and its kernel is
// released by the next Clear or Advance.
type SpecializationCache struct {
	mu         sync.RWMutex
	entries    map[string]*Specialization
	generation uint64
	retired    []device.Kernel
	group      singleflight.Group
	builds     atomic.Int64
}

func NewSpecializationCache() *SpecializationCache {
	return &SpecializationCache{entries: make(map[string]*Specialization)}
}

func (c *SpecializationCache) lookup(generation uint64, key string) (*Specialization, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if generation != c.generation {
		return nil, false
	}
	s, ok := c.entries[key]
	return s, ok
}

// Get returns the specialization for key in the given program generation,
// calling build when it is missing
func (c *SpecializationCache) Get(generation uint64, key string, build func() (*Specialization, error)) (*Specialization, error) {
	if s, ok := c.lookup(generation, key); ok {
		slogger().Debug("runner: specialization reused", "key", key)
		return s, nil
	}
	flight := fmt.Sprintf("%d|%s", generation, key)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		if s, ok := c.lookup(generation, key); ok {
			return s, nil
		}
		s, err := build()
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)
		c.mu.Lock()
		defer c.mu.Unlock()
		if generation != c.generation {
			if s.Kernel != nil {
				c.retired = append(c.retired, s.Kernel)
			}
			slogger().Debug("runner: specialization built for a replaced program", "key", key, "generation", generation)
			return s, nil
		}
		c.entries[key] = s
		slogger().Debug("runner: specialization built", "key", key, "entry", s.Source.Entry)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Specialization), nil
}

func (c *SpecializationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Builds counts the specializations compiled since the cache was created
func (c *SpecializationCache) Builds() int64 {
	return c.builds.Load()
}

// Generation is the program generation of the cached entries
func (c *SpecializationCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Clear releases every kernel and empties the cache
func (c *SpecializationCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked()
}

// Advance empties the cache and moves it to a new program generation
func (c *SpecializationCache) Advance(generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation = generation
	return c.clearLocked()
}

func (c *SpecializationCache) clearLocked() error {
	var errs error
	for _, s := range c.entries {
		if s.Kernel != nil {
			errs = multierr.Append(errs, s.Kernel.Release())
		}
	}
	for _, k := range c.retired {
		errs = multierr.Append(errs, k.Release())
	}
	c.entries = make(map[string]*Specialization)
	c.retired = nil
	return errs
}

// SpecializationKey is the canonical identity of a bound call: the function,
// the call mode and, per variable, its host type, resolved device type,
// access pair and storage rank.
func SpecializationKey(program string, call *BoundCall) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s::%s|%s|rank=%d", program, call.QualifiedName(), call.Mode, call.CallShape.Rank())
	if call.Discard {
		sb.WriteString("|discard")
	}
	for _, v := range call.Args {
		writeVariableKey(&sb, v)
	}
	return sb.String()
}

func writeVariableKey(sb *strings.Builder, v *BoundVariable) {
	fmt.Fprintf(sb, "|%s:%s->%s:%s:%s:%d", v.Path, v.Host.Key(), v.DeviceType.FullName(), v.IO, v.Access, v.Shape.Rank())
	if v.NoDiff {
		sb.WriteString(":nodiff")
	}
	for _, c := range v.Children {
		writeVariableKey(sb, c)
	}
}
