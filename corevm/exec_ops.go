package corevm

// executeLegacy dispatches a one-byte opcode.
func (e *execEnv) executeLegacy(op uint8) error {
	c := e.c
	inst := e.inst
	size := inst.OperandSize

	switch {
	case op < 0x40 && op&7 <= 5:
		return e.execALUForm(op)

	case op == 0x06: // push es
		return e.push(e.stackOpSize(), uint64(c.Regs.Seg[ES].Selector))
	case op == 0x07: // pop es
		return e.popSeg(ES)
	case op == 0x0E: // push cs
		return e.push(e.stackOpSize(), uint64(c.Regs.Seg[CS].Selector))
	case op == 0x16: // push ss
		return e.push(e.stackOpSize(), uint64(c.Regs.Seg[SS].Selector))
	case op == 0x17: // pop ss
		if err := e.popSeg(SS); err != nil {
			return err
		}
		// MOV/POP SS inhibits interrupts for one instruction.
		e.ints.InterruptShadow = true

		return nil
	case op == 0x1E: // push ds
		return e.push(e.stackOpSize(), uint64(c.Regs.Seg[DS].Selector))
	case op == 0x1F: // pop ds
		return e.popSeg(DS)

	case op == 0x27 || op == 0x2F || op == 0x37 || op == 0x3F:
		// DAA/DAS/AAA/AAS: legacy BCD adjusts, flags-only approximation.
		return nil

	case op >= 0x40 && op <= 0x47: // inc r
		idx := int(op - 0x40)
		v := e.readReg(size, idx)
		cf := e.getFlag(FlagCF)
		r := e.setAddFlags(size, v, 1, 0)
		e.setFlag(FlagCF, cf) // INC preserves CF
		e.writeReg(size, idx, r)

		return nil

	case op >= 0x48 && op <= 0x4F: // dec r
		idx := int(op - 0x48)
		v := e.readReg(size, idx)
		cf := e.getFlag(FlagCF)
		r := e.setSubFlags(size, v, 1, 0)
		e.setFlag(FlagCF, cf)
		e.writeReg(size, idx, r)

		return nil

	case op >= 0x50 && op <= 0x57: // push r
		idx := int(op - 0x50)
		if inst.RexB {
			idx |= 8
		}

		return e.push(e.stackOpSize(), e.readReg(e.stackOpSize(), idx))

	case op >= 0x58 && op <= 0x5F: // pop r
		idx := int(op - 0x58)
		if inst.RexB {
			idx |= 8
		}

		v, err := e.pop(e.stackOpSize())
		if err != nil {
			return err
		}

		e.writeReg(e.stackOpSize(), idx, v)

		return nil

	case op == 0x60: // pusha
		sp := c.Regs.SP()
		for _, idx := range []int{RAX, RCX, RDX, RBX} {
			if err := e.push(size, e.readReg(size, idx)); err != nil {
				return err
			}
		}
		if err := e.push(size, sp&sizeMask(size)); err != nil {
			return err
		}
		for _, idx := range []int{RBP, RSI, RDI} {
			if err := e.push(size, e.readReg(size, idx)); err != nil {
				return err
			}
		}

		return nil

	case op == 0x61: // popa
		for _, idx := range []int{RDI, RSI, RBP} {
			v, err := e.pop(size)
			if err != nil {
				return err
			}
			e.writeReg(size, idx, v)
		}
		if _, err := e.pop(size); err != nil { // skip SP
			return err
		}
		for _, idx := range []int{RBX, RDX, RCX, RAX} {
			v, err := e.pop(size)
			if err != nil {
				return err
			}
			e.writeReg(size, idx, v)
		}

		return nil

	case op == 0x68 || op == 0x6A: // push imm
		return e.push(e.stackOpSize(), uint64(inst.Imm)&sizeMask(e.stackOpSize()))

	case op == 0x69 || op == 0x6B: // imul r, r/m, imm
		a, err := e.readRM(size)
		if err != nil {
			return err
		}

		r := signExtend(a, size) * inst.Imm
		e.writeReg(size, inst.Reg(), uint64(r))

		fits := signExtend(uint64(r), size) == r
		e.setFlag(FlagCF, !fits)
		e.setFlag(FlagOF, !fits)

		return nil

	case op == 0x6C:
		return e.execIns(1)
	case op == 0x6D:
		return e.execIns(size)
	case op == 0x6E:
		return e.execOuts(1)
	case op == 0x6F:
		return e.execOuts(size)

	case op >= 0x70 && op <= 0x7F: // jcc rel8
		e.jumpRel(e.condition(op & 0xF))

		return nil

	case op >= 0x80 && op <= 0x83: // ALU group imm
		opSize := size
		if op == 0x80 {
			opSize = 1
		}

		a, err := e.readRM(opSize)
		if err != nil {
			return err
		}

		aluIdx := inst.Reg() & 7
		r := e.aluOp(aluIdx, opSize, a, uint64(inst.Imm))
		if aluIdx != 7 {
			return e.writeRM(opSize, r)
		}

		return nil

	case op == 0x84 || op == 0x85: // test r/m, r
		opSize := size
		if op == 0x84 {
			opSize = 1
		}

		a, err := e.readRM(opSize)
		if err != nil {
			return err
		}

		e.setLogicFlags(opSize, a&e.readReg(opSize, inst.Reg()))

		return nil

	case op == 0x86 || op == 0x87: // xchg r/m, r
		opSize := size
		if op == 0x86 {
			opSize = 1
		}

		a, err := e.readRM(opSize)
		if err != nil {
			return err
		}

		b := e.readReg(opSize, inst.Reg())

		if err := e.writeRM(opSize, b); err != nil {
			return err
		}

		e.writeReg(opSize, inst.Reg(), a)

		return nil

	case op == 0x88: // mov r/m8, r8
		return e.writeRM(1, e.readReg(1, inst.Reg()))

	case op == 0x89: // mov r/m, r
		return e.writeRM(size, e.readReg(size, inst.Reg()))

	case op == 0x8A: // mov r8, r/m8
		v, err := e.readRM(1)
		if err != nil {
			return err
		}
		e.writeReg(1, inst.Reg(), v)

		return nil

	case op == 0x8B: // mov r, r/m
		v, err := e.readRM(size)
		if err != nil {
			return err
		}
		e.writeReg(size, inst.Reg(), v)

		return nil

	case op == 0x8C: // mov r/m16, sreg
		seg := inst.Reg() & 7
		if seg >= numSegs {
			return errUD(op)
		}

		return e.writeRM(2, uint64(c.Regs.Seg[seg].Selector))

	case op == 0x8D: // lea
		if inst.Mod() == 3 {
			return errUD(op)
		}

		// Effective address without the segment base.
		linear := e.effAddr()
		addr := linear - e.segBaseOfEff()

		e.writeReg(size, inst.Reg(), addr&sizeMask(size))

		return nil

	case op == 0x8E: // mov sreg, r/m16
		seg := inst.Reg() & 7
		if seg >= numSegs || seg == CS {
			return errUD(op)
		}

		v, err := e.readRM(2)
		if err != nil {
			return err
		}

		if err := e.loadSegment(seg, uint16(v)); err != nil {
			return err
		}

		if seg == SS {
			e.ints.InterruptShadow = true
		}

		return nil

	case op == 0x8F: // pop r/m
		v, err := e.pop(e.stackOpSize())
		if err != nil {
			return err
		}

		return e.writeRM(e.stackOpSize(), v)

	case op == 0x90: // nop (xchg eax, eax)
		return nil

	case op > 0x90 && op <= 0x97: // xchg eAX, r
		idx := int(op - 0x90)
		if inst.RexB {
			idx |= 8
		}

		a := e.readReg(size, RAX)
		e.writeReg(size, RAX, e.readReg(size, idx))
		e.writeReg(size, idx, a)

		return nil

	case op == 0x98: // cbw/cwde/cdqe
		switch size {
		case 2:
			e.writeReg(2, RAX, uint64(int64(int8(e.readReg(1, RAX))))&0xFFFF)
		case 4:
			e.writeReg(4, RAX, uint64(int64(int16(e.readReg(2, RAX))))&0xFFFF_FFFF)
		default:
			e.writeReg(8, RAX, uint64(int64(int32(e.readReg(4, RAX)))))
		}

		return nil

	case op == 0x99: // cwd/cdq/cqo
		v := signExtend(e.readReg(size, RAX), size)
		if v < 0 {
			e.writeReg(size, RDX, sizeMask(size))
		} else {
			e.writeReg(size, RDX, 0)
		}

		return nil

	case op == 0x9B: // fwait
		return nil

	case op == 0x9A: // call far
		if err := e.push(size, uint64(c.Regs.Seg[CS].Selector)); err != nil {
			return err
		}
		if err := e.push(size, e.nextRIP); err != nil {
			return err
		}

		return e.farTransfer(uint16(inst.Disp), uint64(inst.Imm))

	case op == 0x9C: // pushf
		return e.push(e.stackOpSize(), c.Regs.RFLAGS&sizeMask(e.stackOpSize()))

	case op == 0x9D: // popf
		v, err := e.pop(e.stackOpSize())
		if err != nil {
			return err
		}

		mask := sizeMask(e.stackOpSize())
		c.Regs.RFLAGS = c.Regs.RFLAGS&^mask | v&mask | flagsFixed

		return nil

	case op == 0x9E: // sahf
		ah := e.readReg8(4) // AH without REX
		c.Regs.RFLAGS = c.Regs.RFLAGS&^uint64(0xD5) | ah&0xD5 | flagsFixed

		return nil

	case op == 0x9F: // lahf
		e.writeReg8(4, uint8(c.Regs.RFLAGS&0xD5|flagsFixed))

		return nil

	case op == 0xA0: // mov AL, moffs8
		v, err := e.readLinear(e.segBase(DS)+uint64(inst.Imm), 1)
		if err != nil {
			return err
		}
		e.writeReg(1, RAX, v)

		return nil

	case op == 0xA1: // mov eAX, moffs
		v, err := e.readLinear(e.segBase(DS)+uint64(inst.Imm), size)
		if err != nil {
			return err
		}
		e.writeReg(size, RAX, v)

		return nil

	case op == 0xA2: // mov moffs8, AL
		return e.writeLinear(e.segBase(DS)+uint64(inst.Imm), 1, e.readReg(1, RAX))

	case op == 0xA3: // mov moffs, eAX
		return e.writeLinear(e.segBase(DS)+uint64(inst.Imm), size, e.readReg(size, RAX))

	case op == 0xA4:
		return e.execMovs(1)
	case op == 0xA5:
		return e.execMovs(size)
	case op == 0xA6:
		return e.execCmps(1)
	case op == 0xA7:
		return e.execCmps(size)

	case op == 0xA8: // test AL, imm8
		e.setLogicFlags(1, e.readReg(1, RAX)&uint64(inst.Imm))

		return nil

	case op == 0xA9: // test eAX, imm
		e.setLogicFlags(size, e.readReg(size, RAX)&uint64(inst.Imm))

		return nil

	case op == 0xAA:
		return e.execStos(1)
	case op == 0xAB:
		return e.execStos(size)
	case op == 0xAC:
		return e.execLods(1)
	case op == 0xAD:
		return e.execLods(size)
	case op == 0xAE:
		return e.execScas(1)
	case op == 0xAF:
		return e.execScas(size)

	case op >= 0xB0 && op <= 0xB7: // mov r8, imm8
		idx := int(op - 0xB0)
		if inst.RexB {
			idx |= 8
		}
		e.writeReg8(idx, uint8(inst.Imm))

		return nil

	case op >= 0xB8 && op <= 0xBF: // mov r, imm
		idx := int(op - 0xB8)
		if inst.RexB {
			idx |= 8
		}
		e.writeReg(size, idx, uint64(inst.Imm))

		return nil

	case op == 0xC0 || op == 0xC1: // shift r/m, imm8
		opSize := size
		if op == 0xC0 {
			opSize = 1
		}

		return e.execShiftGroup(opSize, uint64(inst.Imm)&0x3F)

	case op == 0xC2: // ret imm16
		v, err := e.pop(e.stackOpSize())
		if err != nil {
			return err
		}
		c.Regs.RIP = v
		c.Regs.SetSP(c.Regs.SP() + uint64(inst.Imm))

		return nil

	case op == 0xC3: // ret
		v, err := e.pop(e.stackOpSize())
		if err != nil {
			return err
		}
		c.Regs.RIP = v

		return nil

	case op == 0xC6: // mov r/m8, imm8
		return e.writeRM(1, uint64(inst.Imm))

	case op == 0xC7: // mov r/m, imm
		return e.writeRM(size, uint64(inst.Imm)&sizeMask(size))

	case op == 0xC9: // leave
		c.Regs.SetSP(c.Regs.GPR[RBP])
		v, err := e.pop(e.stackOpSize())
		if err != nil {
			return err
		}
		e.writeReg(e.stackOpSize(), RBP, v)

		return nil

	case op == 0xCA || op == 0xCB: // retf [imm16]
		ip, err := e.pop(size)
		if err != nil {
			return err
		}

		sel, err := e.pop(size)
		if err != nil {
			return err
		}

		if err := e.farTransfer(uint16(sel), ip); err != nil {
			return err
		}

		if op == 0xCA {
			c.Regs.SetSP(c.Regs.SP() + uint64(inst.Imm))
		}

		return nil

	case op == 0xCC: // int3
		return &VMError{Kind: ErrBreakpoint}

	case op == 0xCD: // int imm8
		return c.DeliverInterrupt(uint8(inst.Imm), false, 0, e.mem, e.mmu, e.ints)

	case op == 0xCE: // into
		if e.getFlag(FlagOF) {
			return &VMError{Kind: ErrOverflow}
		}

		return nil

	case op == 0xCF: // iret
		return e.execIret()

	case op >= 0xD0 && op <= 0xD3: // shift group
		opSize := size
		if op == 0xD0 || op == 0xD2 {
			opSize = 1
		}

		count := uint64(1)
		if op >= 0xD2 {
			count = e.readReg(1, RCX)
		}

		return e.execShiftGroup(opSize, count)

	case op >= 0xD8 && op <= 0xDF: // x87 escape
		return e.execFpu(op)

	case op == 0xE0 || op == 0xE1 || op == 0xE2: // loopnz/loopz/loop
		n := e.addrReg(RCX) - 1
		e.setAddrReg(RCX, n)

		taken := n != 0
		if op == 0xE0 {
			taken = taken && !e.getFlag(FlagZF)
		}
		if op == 0xE1 {
			taken = taken && e.getFlag(FlagZF)
		}

		e.jumpRel(taken)

		return nil

	case op == 0xE3: // jcxz
		e.jumpRel(e.addrReg(RCX) == 0)

		return nil

	case op == 0xE4: // in AL, imm8
		e.writeReg(1, RAX, uint64(e.io.In(uint16(inst.Imm)&0xFF, 1)))

		return nil

	case op == 0xE5: // in eAX, imm8
		e.writeReg(size, RAX, uint64(e.io.In(uint16(inst.Imm)&0xFF, size)))

		return nil

	case op == 0xE6: // out imm8, AL
		e.io.Out(uint16(inst.Imm)&0xFF, 1, uint32(e.readReg(1, RAX)))

		return nil

	case op == 0xE7: // out imm8, eAX
		e.io.Out(uint16(inst.Imm)&0xFF, size, uint32(e.readReg(size, RAX)))

		return nil

	case op == 0xE8: // call rel
		if err := e.push(e.stackOpSize(), e.nextRIP); err != nil {
			return err
		}

		e.jumpRel(true)

		return nil

	case op == 0xE9 || op == 0xEB: // jmp rel
		e.jumpRel(true)

		return nil

	case op == 0xEA: // jmp far
		return e.farTransfer(uint16(inst.Disp), uint64(inst.Imm))

	case op == 0xEC: // in AL, DX
		e.writeReg(1, RAX, uint64(e.io.In(uint16(e.readReg(2, RDX)), 1)))

		return nil

	case op == 0xED: // in eAX, DX
		e.writeReg(size, RAX, uint64(e.io.In(uint16(e.readReg(2, RDX)), size)))

		return nil

	case op == 0xEE: // out DX, AL
		e.io.Out(uint16(e.readReg(2, RDX)), 1, uint32(e.readReg(1, RAX)))

		return nil

	case op == 0xEF: // out DX, eAX
		e.io.Out(uint16(e.readReg(2, RDX)), size, uint32(e.readReg(size, RAX)))

		return nil

	case op == 0xF4: // hlt
		return &VMError{Kind: ErrHalted}

	case op == 0xF5: // cmc
		e.setFlag(FlagCF, !e.getFlag(FlagCF))

		return nil

	case op == 0xF6 || op == 0xF7: // group3
		opSize := size
		if op == 0xF6 {
			opSize = 1
		}

		return e.execGroup3(opSize)

	case op == 0xF8:
		e.setFlag(FlagCF, false)

		return nil
	case op == 0xF9:
		e.setFlag(FlagCF, true)

		return nil
	case op == 0xFA:
		c.Regs.RFLAGS &^= FlagIF

		return nil
	case op == 0xFB:
		c.Regs.RFLAGS |= FlagIF
		// STI inhibits interrupts until after the next instruction.
		e.ints.InterruptShadow = true

		return nil
	case op == 0xFC:
		e.setFlag(FlagDF, false)

		return nil
	case op == 0xFD:
		e.setFlag(FlagDF, true)

		return nil

	case op == 0xFE: // group4: inc/dec r/m8
		v, err := e.readRM(1)
		if err != nil {
			return err
		}

		cf := e.getFlag(FlagCF)

		var r uint64
		if inst.Reg()&7 == 0 {
			r = e.setAddFlags(1, v, 1, 0)
		} else {
			r = e.setSubFlags(1, v, 1, 0)
		}
		e.setFlag(FlagCF, cf)

		return e.writeRM(1, r)

	case op == 0xFF: // group5
		return e.execGroup5(size)
	}

	return errUD(op)
}

// segBaseOfEff recomputes the segment base effAddr used, so LEA can
// subtract it back out.
func (e *execEnv) segBaseOfEff() uint64 {
	inst := e.inst
	mod := inst.Mod()
	rm := inst.ModRM & 7

	defaultSeg := DS

	if inst.AddressSize == 2 {
		if rm == 2 || rm == 3 || rm == 6 && mod != 0 {
			defaultSeg = SS
		}
	} else if inst.HasSIB {
		base := int(inst.SIB & 7)
		if inst.RexB {
			base |= 8
		}
		if !(inst.SIB&7 == 5 && mod == 0) && (base == RBP || base == RSP) {
			defaultSeg = SS
		}
	} else if !(mod == 0 && rm == 5) {
		reg := int(rm)
		if inst.RexB {
			reg |= 8
		}
		if reg == RBP || reg == RSP {
			defaultSeg = SS
		}
	} else if e.c.Decoder.Mode() == Long64 {
		// RIP-relative has no segment base.
		return 0
	}

	return e.segBase(defaultSeg)
}

// loadSegment loads a data/stack segment by mode.
func (e *execEnv) loadSegment(seg int, selector uint16) error {
	if e.c.Mode == RealMode {
		e.c.Regs.LoadSegmentReal(seg, selector)

		return nil
	}

	return e.c.loadSegmentFromGDT(seg, selector, e.mem, e.mmu)
}

func (e *execEnv) popSeg(seg int) error {
	v, err := e.pop(e.stackOpSize())
	if err != nil {
		return err
	}

	return e.loadSegment(seg, uint16(v))
}

// farTransfer loads CS:IP for JMP/CALL/RET-far and recomputes the mode.
func (e *execEnv) farTransfer(selector uint16, offset uint64) error {
	if e.c.Mode == RealMode {
		e.c.Regs.LoadSegmentReal(CS, selector)
	} else {
		if err := e.c.loadSegmentFromGDT(CS, selector, e.mem, e.mmu); err != nil {
			return err
		}
		e.c.Regs.CPL = uint8(selector & 3)
	}

	e.c.UpdateMode()
	e.c.Regs.RIP = offset

	return nil
}

// execIret pops the interrupt frame for the current mode.
func (e *execEnv) execIret() error {
	c := e.c

	switch c.Mode {
	case LongMode:
		rip, err := e.pop(8)
		if err != nil {
			return err
		}

		cs, err := e.pop(8)
		if err != nil {
			return err
		}

		rflags, err := e.pop(8)
		if err != nil {
			return err
		}

		rsp, err := e.pop(8)
		if err != nil {
			return err
		}

		ss, err := e.pop(8)
		if err != nil {
			return err
		}

		if err := c.loadSegmentFromGDT(CS, uint16(cs), e.mem, e.mmu); err != nil {
			return err
		}
		if err := c.loadSegmentFromGDT(SS, uint16(ss), e.mem, e.mmu); err != nil {
			return err
		}

		c.Regs.RFLAGS = rflags | flagsFixed
		c.Regs.SetSP(rsp)
		c.Regs.CPL = uint8(cs & 3)
		c.UpdateMode()
		c.Regs.RIP = rip

		return nil

	case ProtectedMode:
		width := e.inst.OperandSize

		eip, err := e.pop(width)
		if err != nil {
			return err
		}

		cs, err := e.pop(width)
		if err != nil {
			return err
		}

		eflags, err := e.pop(width)
		if err != nil {
			return err
		}

		if err := c.loadSegmentFromGDT(CS, uint16(cs), e.mem, e.mmu); err != nil {
			return err
		}

		mask := sizeMask(width)
		c.Regs.RFLAGS = c.Regs.RFLAGS&^mask | eflags&mask | flagsFixed
		c.Regs.CPL = uint8(cs & 3)
		c.UpdateMode()
		c.Regs.RIP = eip

		return nil

	default: // real mode
		ip, err := e.pop(2)
		if err != nil {
			return err
		}

		cs, err := e.pop(2)
		if err != nil {
			return err
		}

		flags, err := e.pop(2)
		if err != nil {
			return err
		}

		c.Regs.LoadSegmentReal(CS, uint16(cs))
		c.Regs.RFLAGS = c.Regs.RFLAGS&^uint64(0xFFFF) | flags | flagsFixed
		c.Regs.RIP = ip

		return nil
	}
}

// execGroup3: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV.
func (e *execEnv) execGroup3(size int) error {
	v, err := e.readRM(size)
	if err != nil {
		return err
	}

	switch e.inst.Reg() & 7 {
	case 0, 1: // TEST imm
		e.setLogicFlags(size, v&uint64(e.inst.Imm))

		return nil

	case 2: // NOT
		return e.writeRM(size, ^v&sizeMask(size))

	case 3: // NEG
		r := e.setSubFlags(size, 0, v, 0)
		e.setFlag(FlagCF, v != 0)

		return e.writeRM(size, r)

	case 4: // MUL
		a := e.readReg(size, RAX)

		if size == 1 {
			r := a * v
			e.writeReg(2, RAX, r)
			e.setFlag(FlagCF, r>>8 != 0)
			e.setFlag(FlagOF, r>>8 != 0)

			return nil
		}

		hi, lo := mulu(a, v, size)
		e.writeReg(size, RAX, lo)
		e.writeReg(size, RDX, hi)
		e.setFlag(FlagCF, hi != 0)
		e.setFlag(FlagOF, hi != 0)

		return nil

	case 5: // IMUL
		a := signExtend(e.readReg(size, RAX), size)
		b := signExtend(v, size)

		if size == 1 {
			r := a * b
			e.writeReg(2, RAX, uint64(r)&0xFFFF)
			fits := r >= -128 && r < 128
			e.setFlag(FlagCF, !fits)
			e.setFlag(FlagOF, !fits)

			return nil
		}

		hi, lo := muls(a, b, size)
		e.writeReg(size, RAX, lo)
		e.writeReg(size, RDX, hi)

		fits := signExtend(lo, size) == a*b && (hi == 0 || hi == sizeMask(size))
		e.setFlag(FlagCF, !fits)
		e.setFlag(FlagOF, !fits)

		return nil

	case 6: // DIV
		if v == 0 {
			return &VMError{Kind: ErrDivideByZero}
		}

		if size == 1 {
			dividend := e.readReg(2, RAX)
			q := dividend / v
			if q > 0xFF {
				return &VMError{Kind: ErrDivideByZero}
			}
			e.writeReg8(RAX, uint8(q))
			e.writeReg8(4, uint8(dividend%v)) // AH

			return nil
		}

		hi := e.readReg(size, RDX)
		lo := e.readReg(size, RAX)

		q, r, ok := divu(hi, lo, v, size)
		if !ok {
			return &VMError{Kind: ErrDivideByZero}
		}

		e.writeReg(size, RAX, q)
		e.writeReg(size, RDX, r)

		return nil

	default: // IDIV
		if v == 0 {
			return &VMError{Kind: ErrDivideByZero}
		}

		if size == 1 {
			dividend := int64(int16(e.readReg(2, RAX)))
			divisor := signExtend(v, 1)
			q := dividend / divisor
			if q > 127 || q < -128 {
				return &VMError{Kind: ErrDivideByZero}
			}
			e.writeReg8(RAX, uint8(q))
			e.writeReg8(4, uint8(dividend%divisor))

			return nil
		}

		hi := e.readReg(size, RDX)
		lo := e.readReg(size, RAX)

		q, r, ok := divs(hi, lo, v, size)
		if !ok {
			return &VMError{Kind: ErrDivideByZero}
		}

		e.writeReg(size, RAX, q)
		e.writeReg(size, RDX, r)

		return nil
	}
}

// execGroup5: INC/DEC/CALL/CALLF/JMP/JMPF/PUSH on r/m.
func (e *execEnv) execGroup5(size int) error {
	c := e.c

	switch e.inst.Reg() & 7 {
	case 0, 1: // inc/dec r/m
		v, err := e.readRM(size)
		if err != nil {
			return err
		}

		cf := e.getFlag(FlagCF)

		var r uint64
		if e.inst.Reg()&7 == 0 {
			r = e.setAddFlags(size, v, 1, 0)
		} else {
			r = e.setSubFlags(size, v, 1, 0)
		}
		e.setFlag(FlagCF, cf)

		return e.writeRM(size, r)

	case 2: // call near r/m
		target, err := e.readRM(e.branchSize(size))
		if err != nil {
			return err
		}

		if err := e.push(e.stackOpSize(), e.nextRIP); err != nil {
			return err
		}

		c.Regs.RIP = target

		return nil

	case 3: // call far m16:...
		addr := e.effAddr()

		off, err := e.readLinear(addr, size)
		if err != nil {
			return err
		}

		sel, err := e.readLinear(addr+uint64(size), 2)
		if err != nil {
			return err
		}

		if err := e.push(size, uint64(c.Regs.Seg[CS].Selector)); err != nil {
			return err
		}
		if err := e.push(size, e.nextRIP); err != nil {
			return err
		}

		return e.farTransfer(uint16(sel), off)

	case 4: // jmp near r/m
		target, err := e.readRM(e.branchSize(size))
		if err != nil {
			return err
		}

		c.Regs.RIP = target

		return nil

	case 5: // jmp far m16:...
		addr := e.effAddr()

		off, err := e.readLinear(addr, size)
		if err != nil {
			return err
		}

		sel, err := e.readLinear(addr+uint64(size), 2)
		if err != nil {
			return err
		}

		return e.farTransfer(uint16(sel), off)

	case 6: // push r/m
		v, err := e.readRM(e.stackOpSize())
		if err != nil {
			return err
		}

		return e.push(e.stackOpSize(), v)
	}

	return errUD(0xFF)
}

// branchSize: near branches default to 64-bit targets in long mode.
func (e *execEnv) branchSize(size int) int {
	if e.c.Mode == LongMode {
		return 8
	}

	return size
}

func mulu(a, b uint64, size int) (hi, lo uint64) {
	switch size {
	case 2:
		r := a * b

		return r >> 16 & 0xFFFF, r & 0xFFFF
	case 4:
		r := a * b

		return r >> 32, r & 0xFFFF_FFFF
	}

	// 64x64 → 128 via 32-bit halves.
	aLo, aHi := a&0xFFFF_FFFF, a>>32
	bLo, bHi := b&0xFFFF_FFFF, b>>32

	ll := aLo * bLo
	lh := aLo * bHi
	hl := aHi * bLo
	hh := aHi * bHi

	mid := ll>>32 + lh&0xFFFF_FFFF + hl&0xFFFF_FFFF

	lo = a * b
	hi = hh + lh>>32 + hl>>32 + mid>>32

	return hi, lo
}

func muls(a, b int64, size int) (hi, lo uint64) {
	switch size {
	case 2:
		r := a * b

		return uint64(r>>16) & 0xFFFF, uint64(r) & 0xFFFF
	case 4:
		r := a * b

		return uint64(r>>32) & 0xFFFF_FFFF, uint64(r) & 0xFFFF_FFFF
	}

	neg := (a < 0) != (b < 0)

	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}

	h, l := mulu(ua, ub, 8)
	if neg {
		l = ^l + 1
		h = ^h
		if l == 0 {
			h++
		}
	}

	return h, l
}

func divu(hi, lo, divisor uint64, size int) (q, r uint64, ok bool) {
	switch size {
	case 2:
		dividend := hi<<16 | lo
		q = dividend / divisor
		if q > 0xFFFF {
			return 0, 0, false
		}

		return q, dividend % divisor, true
	case 4:
		dividend := hi<<32 | lo
		q = dividend / divisor
		if q > 0xFFFF_FFFF {
			return 0, 0, false
		}

		return q, dividend % divisor, true
	}

	// 128/64: only the hi==0 case is supported exactly; larger
	// dividends overflow anyway unless hi < divisor.
	if hi != 0 {
		if hi >= divisor {
			return 0, 0, false
		}
		// Long division in 32-bit chunks.
		rem := hi
		q = 0
		for i := 63; i >= 0; i-- {
			rem = rem<<1 | lo>>uint(i)&1
			q <<= 1
			if rem >= divisor {
				rem -= divisor
				q |= 1
			}
		}

		return q, rem, true
	}

	return lo / divisor, lo % divisor, true
}

func divs(hi, lo, divisor uint64, size int) (q, r uint64, ok bool) {
	switch size {
	case 2:
		dividend := int64(int32(uint32(hi)<<16 | uint32(lo)))
		d := signExtend(divisor, 2)
		qq := dividend / d
		if qq > 0x7FFF || qq < -0x8000 {
			return 0, 0, false
		}

		return uint64(qq) & 0xFFFF, uint64(dividend%d) & 0xFFFF, true
	case 4:
		dividend := int64(hi<<32 | lo)
		d := signExtend(divisor, 4)
		qq := dividend / d
		if qq > 0x7FFF_FFFF || qq < -0x8000_0000 {
			return 0, 0, false
		}

		return uint64(qq) & 0xFFFF_FFFF, uint64(dividend%d) & 0xFFFF_FFFF, true
	}

	// 64-bit: support the sign-extended-RDX case.
	dividend := int64(lo)
	if hi != 0 && hi != ^uint64(0) {
		return 0, 0, false
	}

	d := int64(divisor)
	if d == 0 {
		return 0, 0, false
	}

	return uint64(dividend / d), uint64(dividend % d), true
}
