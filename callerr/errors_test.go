package callerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestErrorsAreMatchable(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target any
		text   string
	}{
		{"unknown", UnknownType("host value of type %T", struct{}{}), new(*UnknownTypeError), "struct {}"},
		{"missing", MissingArgument("add", "b"), new(*MissingArgumentError), `missing argument "b"`},
		{"unexpected", UnexpectedArgument("add", "d", ""), new(*UnexpectedArgumentError), `unexpected argument "d"`},
		{"field", MissingField("Particle", "vel"), new(*MissingFieldError), `missing field "vel"`},
		{"shape", ShapeMismatch("a", "b", 0, 3, 4), new(*ShapeMismatchError), "axis 0"},
		{"type", TypeMismatch("a", "float3", "int", "arity"), new(*TypeMismatchError), "cannot bind int to float3"},
		{"spec", Specialization("x", "IFoo", "float"), new(*SpecializationError), "float does not implement IFoo"},
		{"compile", Compile("main", "void main() {}", fmt.Errorf("boom")), new(*CompileError), "void main() {}"},
		{"device", Device("dispatch", fmt.Errorf("lost")), new(*DeviceError), "device dispatch: lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, errors.As(tt.err, tt.target))
			assert.Contains(t, tt.err.Error(), tt.text)
		})
	}
}

func TestCombinedErrorsKeepKinds(t *testing.T) {
	err := multierr.Combine(MissingArgument("f", "a"), UnexpectedArgument("f", "z", "no such parameter"))

	var missing *MissingArgumentError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "a", missing.Name)

	var unexpected *UnexpectedArgumentError
	require.True(t, errors.As(err, &unexpected))
	assert.Equal(t, "z", unexpected.Name)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestDeviceNil(t *testing.T) {
	assert.NoError(t, Device("wait", nil))
}

func TestCompileUnwrap(t *testing.T) {
	cause := fmt.Errorf("undefined identifier")
	err := Compile("entry", "src", cause)
	assert.ErrorIs(t, err, cause)
}
