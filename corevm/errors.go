package corevm

import "fmt"

// VMError is the guest-visible failure taxonomy. Errors that correspond
// to architectural exceptions are injected into the guest IDT; the rest
// surface to the host through ExitReason.
type VMError struct {
	Kind ErrKind

	// ErrorCode is pushed for exceptions that define one.
	ErrorCode uint32
	// Address is CR2 for page faults, the bad physical address for
	// memory range errors.
	Address uint64
	// Opcode is the offending byte for #UD diagnostics.
	Opcode uint8
}

type ErrKind uint8

const (
	ErrNone ErrKind = iota
	ErrDivideByZero
	ErrDebug
	ErrBreakpoint
	ErrOverflow
	ErrBoundRange
	ErrUndefinedOpcode
	ErrDoubleFault
	ErrInvalidTSS
	ErrSegmentNotPresent
	ErrStackFault
	ErrGeneralProtection
	ErrPageFault
	ErrFpu
	ErrAlignment
	ErrSimd

	// Non-exception errors.
	ErrHalted
	ErrBadPhysAddress
	ErrFetchFault
	ErrInternal
)

func (e *VMError) Error() string {
	switch e.Kind {
	case ErrPageFault:
		return fmt.Sprintf("page fault at %#x (ec=%#x)", e.Address, e.ErrorCode)
	case ErrGeneralProtection:
		return fmt.Sprintf("general protection fault (ec=%#x)", e.ErrorCode)
	case ErrUndefinedOpcode:
		return fmt.Sprintf("undefined opcode %#02x", e.Opcode)
	case ErrDoubleFault:
		return "double fault"
	case ErrBadPhysAddress:
		return fmt.Sprintf("physical address %#x out of range", e.Address)
	case ErrDivideByZero:
		return "divide error"
	case ErrHalted:
		return "halted"
	}

	return fmt.Sprintf("vm error kind %d", e.Kind)
}

// vector maps an injectable error to its exception vector. ok=false for
// non-exception errors.
func (e *VMError) vector() (vec uint8, hasEC bool, ok bool) {
	switch e.Kind {
	case ErrDivideByZero:
		return 0, false, true
	case ErrDebug:
		return 1, false, true
	case ErrBreakpoint:
		return 3, false, true
	case ErrOverflow:
		return 4, false, true
	case ErrBoundRange:
		return 5, false, true
	case ErrUndefinedOpcode:
		return 6, false, true
	case ErrDoubleFault:
		return 8, true, true
	case ErrInvalidTSS:
		return 10, true, true
	case ErrSegmentNotPresent:
		return 11, true, true
	case ErrStackFault:
		return 12, true, true
	case ErrGeneralProtection:
		return 13, true, true
	case ErrPageFault:
		return 14, true, true
	case ErrFpu:
		return 16, false, true
	case ErrAlignment:
		return 17, true, true
	case ErrSimd:
		return 19, false, true
	}

	return 0, false, false
}

func errGP(ec uint32) *VMError {
	return &VMError{Kind: ErrGeneralProtection, ErrorCode: ec}
}

func errUD(op uint8) *VMError {
	return &VMError{Kind: ErrUndefinedOpcode, Opcode: op}
}

func errPF(addr uint64, ec uint32) *VMError {
	return &VMError{Kind: ErrPageFault, Address: addr, ErrorCode: ec}
}
