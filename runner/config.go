package runner

import "github.com/notargets/kernelcall/reflection"

// Config holds the settings of a Module
type Config struct {
	// ThreadGroupSize is the x extent of [numthreads] in generated kernels
	ThreadGroupSize int
	// Imports are added to every generated kernel
	Imports []string
	// ModuleName is the import name of the program, defaulting to its Name()
	ModuleName string
	// DefaultFloat is the device scalar an unconstrained generic resolves to
	// when bound to a Go float64
	DefaultFloat reflection.ScalarType
}

func (cfg Config) withDefaults(program reflection.Program) Config {
	if cfg.ThreadGroupSize <= 0 {
		cfg.ThreadGroupSize = 32
	}
	if cfg.ModuleName == "" && program != nil {
		cfg.ModuleName = program.Name()
	}
	if cfg.DefaultFloat == reflection.ScalarVoid {
		cfg.DefaultFloat = reflection.ScalarFloat32
	}
	cfg.Imports = append([]string(nil), cfg.Imports...)
	return cfg
}
