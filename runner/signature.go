package runner

import (
	"github.com/notargets/kernelcall/device"
	"github.com/notargets/kernelcall/reflection"
)

// SignatureVariable is one entry of a call signature
type SignatureVariable struct {
	Name       string
	Type       reflection.Type
	IO         reflection.IOType
	NoDiff     bool
	HasDefault bool
	// Synthetic entries (_this, _result) bind by keyword only
	Synthetic bool
}

// BuildSignature lists the parameters of fn in declaration order. A receiver
// adds a leading _this unless fn is a constructor or static. A non-void
// return type adds a trailing _result that the caller may omit. A
// constructor's _result is the instance it initializes and must be bound.
func BuildSignature(fn reflection.Function, receiver reflection.Type) []SignatureVariable {
	mods := fn.Modifiers()
	var sig []SignatureVariable

	if receiver != nil && !reflection.IsConstructor(fn) && !mods.Has(reflection.ModStatic) {
		io := reflection.IOIn
		if mods.Has(reflection.ModMutating) {
			io = reflection.IOInOut
		}
		sig = append(sig, SignatureVariable{
			Name:      device.ThisName,
			Type:      receiver,
			IO:        io,
			Synthetic: true,
		})
	}

	for _, p := range fn.Parameters() {
		sig = append(sig, SignatureVariable{
			Name:       p.Name(),
			Type:       p.Type(),
			IO:         reflection.IOFromModifiers(p.Modifiers()),
			NoDiff:     p.Modifiers().Has(reflection.ModNoDiff),
			HasDefault: p.HasDefault(),
		})
	}

	ret, hasDefault := fn.ReturnType(), true
	if receiver != nil && reflection.IsConstructor(fn) {
		// constructors initialize the instance bound to _result
		ret, hasDefault = receiver, false
	}
	if !reflection.IsVoid(ret) {
		sig = append(sig, SignatureVariable{
			Name:       device.ResultName,
			Type:       ret,
			IO:         reflection.IOOut,
			NoDiff:     !mods.Has(reflection.ModDifferentiable),
			HasDefault: hasDefault,
			Synthetic:  true,
		})
	}
	return sig
}
