package corevm

// Mode is the coarse CPU execution mode, derived from CR0.PE, CR0.PG,
// EFER.LMA and CS.L on every transition.
type Mode uint8

const (
	RealMode Mode = iota
	ProtectedMode
	LongMode
)

// ExitReason explains why a bounded Run call returned.
type ExitReason uint8

const (
	// ExitHalted: HLT executed.
	ExitHalted ExitReason = iota
	// ExitException: unrecoverable guest state (double/triple fault or
	// a non-injectable error).
	ExitException
	// ExitInstructionLimit: the requested batch completed.
	ExitInstructionLimit
	// ExitBreakpoint: INT3 or a debug breakpoint.
	ExitBreakpoint
	// ExitStopRequested: RequestStop was called.
	ExitStopRequested
)

func (e ExitReason) String() string {
	switch e {
	case ExitHalted:
		return "Halted"
	case ExitException:
		return "Exception"
	case ExitInstructionLimit:
		return "InstructionLimit"
	case ExitBreakpoint:
		return "Breakpoint"
	case ExitStopRequested:
		return "StopRequested"
	}

	return "Unknown"
}

// Cpu is the virtual x86 CPU: all architectural state plus the
// fetch-decode-execute loop.
type Cpu struct {
	Regs    *RegisterFile
	Fpu     *FpuState
	Decoder *Decoder
	Mode    Mode

	// InstructionCount is monotonic across Run calls.
	InstructionCount uint64

	stopRequested bool

	// A20Enabled gates address line 20 for real-mode compatibility.
	A20Enabled bool

	// Diagnostics for the last decoded instruction.
	LastExecRIP   uint64
	LastExecCS    uint16
	LastOpcode    uint16
	LastFetchAddr uint64

	// LastError records the error that ended the last Run with
	// ExitException.
	LastError *VMError
}

func NewCpu() *Cpu {
	return &Cpu{
		Regs:       NewRegisterFile(),
		Fpu:        NewFpuState(),
		Decoder:    NewDecoder(Real16),
		Mode:       RealMode,
		A20Enabled: true,
	}
}

// Reset returns the CPU to power-on state.
func (c *Cpu) Reset() {
	c.Regs = NewRegisterFile()
	c.Fpu = NewFpuState()
	c.Decoder.SetMode(Real16)
	c.Mode = RealMode
	c.InstructionCount = 0
	c.stopRequested = false
	c.A20Enabled = true
	c.LastError = nil
}

// RequestStop makes the CPU stop at the next instruction boundary.
func (c *Cpu) RequestStop() {
	c.stopRequested = true
}

// computeMode derives the decoder mode from control state.
func (c *Cpu) computeMode() CpuMode {
	pe := c.Regs.CR0&CR0PE != 0
	pg := c.Regs.CR0&CR0PG != 0
	lma := c.Regs.ReadMSR(MSREFER)&EFERLMA != 0
	cs := &c.Regs.Seg[CS]

	switch {
	case pe && pg && lma && cs.LongMode:
		return Long64
	case pe && cs.Big:
		return Protected32
	default:
		// Includes 16-bit protected mode right after MOV CR0 sets PE,
		// before the far JMP loads a 32-bit CS descriptor.
		return Real16
	}
}

// UpdateMode must be called after any write to CR0/CR3/CR4, a CS load,
// a WRMSR of EFER, or a far transfer. EFER.LMA tracks CR0.PG&EFER.LME
// automatically.
func (c *Cpu) UpdateMode() {
	efer := c.Regs.ReadMSR(MSREFER)
	pg := c.Regs.CR0&CR0PG != 0
	lme := efer&EFERLME != 0

	if pg && lme {
		c.Regs.WriteMSR(MSREFER, efer|EFERLMA)
	} else {
		c.Regs.WriteMSR(MSREFER, efer&^EFERLMA)
	}

	c.Decoder.SetMode(c.computeMode())

	pe := c.Regs.CR0&CR0PE != 0
	lma := c.Regs.ReadMSR(MSREFER)&EFERLMA != 0

	switch {
	case pe && pg && lma:
		c.Mode = LongMode
	case pe:
		c.Mode = ProtectedMode
	default:
		c.Mode = RealMode
	}
}

// readGDTDescriptor fetches and decodes a descriptor, bounds-checked
// against GDTR.
func (c *Cpu) readGDTDescriptor(selector uint16, mem *GuestMemory, mmu *Mmu) (SegmentDescriptor, error) {
	index := uint64(selector & 0xFFF8)
	if index+7 > uint64(c.Regs.GDTR.Limit) {
		return SegmentDescriptor{}, errGP(uint32(selector) & 0xFFFC)
	}

	addr := c.Regs.GDTR.Base + index

	phys, err := mmu.TranslateLinear(addr, c.Regs.CR3, AccessRead, c.Regs.CPL, mem)
	if err != nil {
		return SegmentDescriptor{}, err
	}

	raw, err := mem.ReadU64(phys)
	if err != nil {
		return SegmentDescriptor{}, err
	}

	return descriptorFromRaw(selector, raw), nil
}

// loadSegmentFromGDT loads a segment register through the GDT. Null
// selectors are allowed for data segments only. LDT selectors are
// resolved through the GDT regardless (no LDT support).
func (c *Cpu) loadSegmentFromGDT(seg int, selector uint16, mem *GuestMemory, mmu *Mmu) error {
	if selector&0xFFFC == 0 {
		if seg == CS || seg == SS {
			return errGP(0)
		}

		c.Regs.Seg[seg] = SegmentDescriptor{Selector: selector}

		return nil
	}

	desc, err := c.readGDTDescriptor(selector, mem, mmu)
	if err != nil {
		return err
	}

	c.Regs.Seg[seg] = desc

	return nil
}

// stackSize returns the push/pop width in bytes for the current mode.
func (c *Cpu) stackSize() int {
	switch c.Mode {
	case LongMode:
		return 8
	case ProtectedMode:
		if c.Regs.Seg[SS].Big {
			return 4
		}

		return 2
	default:
		return 2
	}
}

// Run executes until an exit condition. maxInstructions bounds this
// call: zero returns ExitInstructionLimit immediately (after any
// pending-interrupt delivery when IF is set).
func (c *Cpu) Run(mem *GuestMemory, mmu *Mmu, ints *InterruptController, io *IoDispatch, maxInstructions uint64) ExitReason {
	target := c.InstructionCount + maxInstructions

	for {
		if c.stopRequested {
			c.stopRequested = false

			return ExitStopRequested
		}

		// Sync MMU paging state from control registers.
		mmu.UpdateFromRegs(c.Regs.CR0, c.Regs.CR4, c.Regs.ReadMSR(MSREFER))

		// Deliver a pending external interrupt (IF and shadow
		// permitting).
		if vector, ok := ints.PendingInterrupt(c.Regs.RFLAGS); ok {
			ints.Acknowledge(vector)

			if err := c.DeliverInterrupt(vector, false, 0, mem, mmu, ints); err != nil {
				c.LastError = asVMError(err)

				return ExitException
			}

			ints.InterruptShadow = false
		}

		ints.InterruptShadow = false

		if c.InstructionCount >= target {
			return ExitInstructionLimit
		}

		// Linear fetch address = CS.base + RIP, with A20 masking.
		fetchLinear := c.Regs.Seg[CS].Base + c.Regs.RIP
		if !c.A20Enabled {
			fetchLinear &^= 1 << 20
		}

		phys, err := mmu.TranslateLinear(fetchLinear, c.Regs.CR3, AccessExecute, c.Regs.CPL, mem)
		if err != nil {
			if err2 := c.injectExceptionFromError(err, mem, mmu, ints); err2 != nil {
				c.LastError = asVMError(err2)

				return ExitException
			}

			continue
		}

		c.LastExecRIP = c.Regs.RIP
		c.LastExecCS = c.Regs.Seg[CS].Selector
		c.LastFetchAddr = phys

		inst, err := c.Decoder.Decode(mem, phys)
		if err != nil {
			verr := asVMError(err)
			if verr.Kind == ErrFetchFault {
				verr = errPF(fetchLinear, 0x10)
			} else {
				b0, _ := mem.ReadU8(phys)
				verr = errUD(b0)
			}

			if err2 := c.injectExceptionFromError(verr, mem, mmu, ints); err2 != nil {
				c.LastError = asVMError(err2)

				return ExitException
			}

			continue
		}

		c.LastOpcode = inst.Opcode

		execErr := c.execute(inst, mem, mmu, io, ints)
		switch {
		case execErr == nil:
			c.InstructionCount++
		default:
			verr := asVMError(execErr)

			switch verr.Kind {
			case ErrHalted:
				c.InstructionCount++

				return ExitHalted
			case ErrBreakpoint:
				c.InstructionCount++

				return ExitBreakpoint
			default:
				if err2 := c.injectExceptionFromError(verr, mem, mmu, ints); err2 != nil {
					c.LastError = asVMError(err2)

					return ExitException
				}
			}
		}
	}
}

func asVMError(err error) *VMError {
	if v, ok := err.(*VMError); ok {
		return v
	}

	return &VMError{Kind: ErrInternal}
}

// injectExceptionFromError routes an execution error into the guest IDT.
// Re-entry during delivery synthesizes a double fault; a second level of
// failure surfaces to the host (triple fault).
func (c *Cpu) injectExceptionFromError(err error, mem *GuestMemory, mmu *Mmu, ints *InterruptController) error {
	verr := asVMError(err)

	vector, hasEC, ok := verr.vector()
	if !ok {
		return verr
	}

	if verr.Kind == ErrPageFault {
		c.Regs.CR2 = verr.Address
	}

	if ints.HandlingException {
		ints.HandlingException = false

		return &VMError{Kind: ErrDoubleFault}
	}

	ints.HandlingException = true
	deliverErr := c.DeliverInterrupt(vector, hasEC, verr.ErrorCode, mem, mmu, ints)
	ints.HandlingException = false

	return deliverErr
}

// DeliverInterrupt pushes the mode-appropriate frame and loads the
// handler from the IVT/IDT.
func (c *Cpu) DeliverInterrupt(vector uint8, hasEC bool, errorCode uint32, mem *GuestMemory, mmu *Mmu, ints *InterruptController) error {
	switch c.Mode {
	case RealMode:
		return c.deliverInterruptReal(vector, mem)
	case ProtectedMode:
		return c.deliverInterruptProtected(vector, hasEC, errorCode, mem, mmu, ints)
	default:
		return c.deliverInterruptLong(vector, hasEC, errorCode, mem, mmu, ints)
	}
}

// deliverInterruptReal: 4-byte IVT entry; push FLAGS, CS, IP; clear IF
// and TF.
func (c *Cpu) deliverInterruptReal(vector uint8, mem *GuestMemory) error {
	ivtAddr := uint64(vector) * 4

	offset, err := mem.ReadU16(ivtAddr)
	if err != nil {
		return err
	}

	segment, err := mem.ReadU16(ivtAddr + 2)
	if err != nil {
		return err
	}

	ssBase := c.Regs.Seg[SS].Base

	push16 := func(v uint16) error {
		sp := c.Regs.SP() - 2&0xFFFF
		sp &= 0xFFFF
		c.Regs.SetSP(c.Regs.SP()&^0xFFFF | sp)

		return mem.WriteU16(ssBase+sp, v)
	}

	if err := push16(uint16(c.Regs.RFLAGS)); err != nil {
		return err
	}

	if err := push16(c.Regs.Seg[CS].Selector); err != nil {
		return err
	}

	if err := push16(uint16(c.Regs.RIP)); err != nil {
		return err
	}

	c.Regs.RFLAGS &^= FlagIF | FlagTF

	c.Regs.LoadSegmentReal(CS, segment)
	c.Regs.RIP = uint64(offset)

	return nil
}

// deliverInterruptProtected: 8-byte IDT gate; push EFLAGS, CS, EIP and
// the error code where defined; IF cleared for interrupt gates only.
func (c *Cpu) deliverInterruptProtected(vector uint8, hasEC bool, errorCode uint32, mem *GuestMemory, mmu *Mmu, ints *InterruptController) error {
	entry, err := ints.ReadIDTEntryProtected(vector, c.Regs.IDTR.Base, c.Regs.IDTR.Limit, mem)
	if err != nil {
		return err
	}

	if !entry.Present {
		return errGP(uint32(vector)*8 + 2)
	}

	oldEFLAGS := uint32(c.Regs.RFLAGS)
	oldCS := c.Regs.Seg[CS].Selector
	oldEIP := uint32(c.Regs.RIP)

	ssBase := c.Regs.Seg[SS].Base

	push32 := func(v uint32) error {
		esp := c.Regs.SP() - 4
		c.Regs.SetSP(esp)

		phys, err := mmu.TranslateLinear(ssBase+esp, c.Regs.CR3, AccessWrite, c.Regs.CPL, mem)
		if err != nil {
			return err
		}

		return mem.WriteU32(phys, v)
	}

	if err := push32(oldEFLAGS); err != nil {
		return err
	}

	if err := push32(uint32(oldCS)); err != nil {
		return err
	}

	if err := push32(oldEIP); err != nil {
		return err
	}

	if hasEC {
		if err := push32(errorCode); err != nil {
			return err
		}
	}

	if entry.Gate == GateInterrupt32 || entry.Gate == GateInterrupt16 {
		c.Regs.RFLAGS &^= FlagIF
	}
	c.Regs.RFLAGS &^= FlagTF

	if err := c.loadSegmentFromGDT(CS, entry.Selector, mem, mmu); err != nil {
		return err
	}

	c.UpdateMode()
	c.Regs.RIP = entry.Offset
	c.Regs.CPL = 0

	return nil
}

// deliverInterruptLong: 16-byte gate; push SS, RSP, RFLAGS, CS, RIP and
// the error code; handler runs at CPL 0.
func (c *Cpu) deliverInterruptLong(vector uint8, hasEC bool, errorCode uint32, mem *GuestMemory, mmu *Mmu, ints *InterruptController) error {
	entry, err := ints.ReadIDTEntryLong(vector, c.Regs.IDTR.Base, c.Regs.IDTR.Limit, mem)
	if err != nil {
		return err
	}

	if !entry.Present {
		return errGP(uint32(vector)*16 + 2)
	}

	oldRFLAGS := c.Regs.RFLAGS
	oldCS := c.Regs.Seg[CS].Selector
	oldRIP := c.Regs.RIP
	oldRSP := c.Regs.SP()
	oldSS := c.Regs.Seg[SS].Selector

	push64 := func(v uint64) error {
		rsp := c.Regs.SP() - 8
		c.Regs.SetSP(rsp)

		phys, err := mmu.TranslateLinear(rsp, c.Regs.CR3, AccessWrite, c.Regs.CPL, mem)
		if err != nil {
			return err
		}

		return mem.WriteU64(phys, v)
	}

	for _, v := range []uint64{uint64(oldSS), oldRSP, oldRFLAGS, uint64(oldCS), oldRIP} {
		if err := push64(v); err != nil {
			return err
		}
	}

	if hasEC {
		if err := push64(uint64(errorCode)); err != nil {
			return err
		}
	}

	if entry.Gate == GateInterrupt64 {
		c.Regs.RFLAGS &^= FlagIF
	}
	c.Regs.RFLAGS &^= FlagTF

	if err := c.loadSegmentFromGDT(CS, entry.Selector, mem, mmu); err != nil {
		return err
	}

	c.UpdateMode()
	c.Regs.RIP = entry.Offset
	c.Regs.CPL = 0

	return nil
}
