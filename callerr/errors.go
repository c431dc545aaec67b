// Package callerr defines the errors reported while binding, specializing,
// compiling and dispatching a device function call.
//
// Every constructor attaches a stack trace. Callers match the concrete kind
// with errors.As:
//
//	var missing *callerr.MissingArgumentError
//	if errors.As(err, &missing) { ... }
package callerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// UnknownTypeError reports a host value or reflected type that no registered
// constructor accepts. It is a configuration fault.
type UnknownTypeError struct {
	What string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown type: no constructor registered for %s", e.What)
}

// UnknownType returns an UnknownTypeError describing what.
func UnknownType(format string, args ...any) error {
	return errors.WithStack(&UnknownTypeError{What: fmt.Sprintf(format, args...)})
}

// MissingArgumentError reports a required parameter the caller did not supply.
type MissingArgumentError struct {
	Function string
	Name     string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("%s: missing argument %q", e.Function, e.Name)
}

// MissingArgument returns a MissingArgumentError.
func MissingArgument(function, name string) error {
	return errors.WithStack(&MissingArgumentError{Function: function, Name: name})
}

// UnexpectedArgumentError reports a host argument that matches no parameter,
// or a parameter supplied more than once.
type UnexpectedArgumentError struct {
	Function string
	Name     string
	Reason   string
}

func (e *UnexpectedArgumentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: unexpected argument %q", e.Function, e.Name)
	}
	return fmt.Sprintf("%s: unexpected argument %q: %s", e.Function, e.Name, e.Reason)
}

// UnexpectedArgument returns an UnexpectedArgumentError.
func UnexpectedArgument(function, name, reason string) error {
	return errors.WithStack(&UnexpectedArgumentError{Function: function, Name: name, Reason: reason})
}

// MissingFieldError reports a declared struct field absent from the host value.
type MissingFieldError struct {
	Struct string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("struct %s: missing field %q", e.Struct, e.Field)
}

// MissingField returns a MissingFieldError.
func MissingField(structName, field string) error {
	return errors.WithStack(&MissingFieldError{Struct: structName, Field: field})
}

// ShapeMismatchError reports two variables that disagree on the size of a
// call-shape axis. Axis is counted in call-shape coordinates.
type ShapeMismatchError struct {
	First      string
	Second     string
	Axis       int
	FirstSize  int
	SecondSize int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch on axis %d: %s has size %d, %s has size %d (size 1 or %d required)",
		e.Axis, e.First, e.FirstSize, e.Second, e.SecondSize, e.FirstSize)
}

// ShapeMismatch returns a ShapeMismatchError.
func ShapeMismatch(first, second string, axis, firstSize, secondSize int) error {
	return errors.WithStack(&ShapeMismatchError{
		First: first, Second: second, Axis: axis, FirstSize: firstSize, SecondSize: secondSize,
	})
}

// TypeMismatchError reports a host value that cannot be assigned to the
// declared device type of a parameter.
type TypeMismatchError struct {
	Name     string
	Expected string
	Got      string
	Reason   string
}

func (e *TypeMismatchError) Error() string {
	msg := fmt.Sprintf("%s: cannot bind %s to %s", e.Name, e.Got, e.Expected)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// TypeMismatch returns a TypeMismatchError.
func TypeMismatch(name, expected, got, reason string) error {
	return errors.WithStack(&TypeMismatchError{Name: name, Expected: expected, Got: got, Reason: reason})
}

// SpecializationError reports a concrete type that does not satisfy the
// interface a generic or interface-typed parameter requires.
type SpecializationError struct {
	Name       string
	Constraint string
	Concrete   string
}

func (e *SpecializationError) Error() string {
	return fmt.Sprintf("%s: %s does not implement %s", e.Name, e.Concrete, e.Constraint)
}

// Specialization returns a SpecializationError.
func Specialization(name, constraint, concrete string) error {
	return errors.WithStack(&SpecializationError{Name: name, Constraint: constraint, Concrete: concrete})
}

// CompileError wraps a device compiler failure together with the generated
// source that was rejected.
type CompileError struct {
	Entry  string
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s: %v\n--- generated source ---\n%s", e.Entry, e.Err, e.Source)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compile returns a CompileError.
func Compile(entry, source string, err error) error {
	return errors.WithStack(&CompileError{Entry: entry, Source: source, Err: err})
}

// DeviceError reports a fault raised by the device while creating buffers or
// running a dispatch. Device faults are fatal for the call.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Device returns a DeviceError, or nil when err is nil.
func Device(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&DeviceError{Op: op, Err: err})
}
