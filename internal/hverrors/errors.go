// Package hverrors defines the sentinel error kinds shared across the
// hypervisor core, one per spec.md §7 error source. Callers match
// against these with errors.Is; concrete errors wrap them with
// fmt.Errorf("...: %w", hverrors.ErrXxx) in the teacher's style.
package hverrors

import "errors"

var (
	ErrConfigInvalid        = errors.New("config invalid")
	ErrHostIfaceUnavailable = errors.New("host virtualization interface missing required capability")
	ErrMemoryAllocFailed    = errors.New("guest memory allocation failed")
	ErrInvalidImage         = errors.New("invalid guest image")
	ErrInsufficientMemory   = errors.New("insufficient guest memory")
	ErrHypercallIO          = errors.New("hypercall i/o failed")
	ErrVcpuCrash            = errors.New("vcpu crashed")
)
