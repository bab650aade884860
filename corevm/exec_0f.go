package corevm

// execute0F dispatches the 0F-escape opcode space.
func (e *execEnv) execute0F(op uint8) error {
	c := e.c
	inst := e.inst
	size := inst.OperandSize

	switch {
	case op == 0x00: // lldt/ltr/… group: accepted and ignored
		_, err := e.readRM(2)

		return err

	case op == 0x01: // lgdt/lidt/lmsw/smsw group
		return e.execGroup01()

	case op == 0x06: // clts
		c.Regs.CR0 &^= CR0TS

		return nil

	case op == 0x08 || op == 0x09: // invd/wbinvd
		return nil

	case op == 0x1F: // long nop
		return nil

	case op == 0x20: // mov r, cr
		var v uint64

		switch inst.Reg() & 7 {
		case 0:
			v = c.Regs.CR0
		case 2:
			v = c.Regs.CR2
		case 3:
			v = c.Regs.CR3
		case 4:
			v = c.Regs.CR4
		default:
			return errGP(0)
		}

		e.writeReg(e.crSize(), e.inst.RM(), v)

		return nil

	case op == 0x22: // mov cr, r
		v := e.readReg(e.crSize(), e.inst.RM())

		switch inst.Reg() & 7 {
		case 0:
			c.Regs.CR0 = v
		case 2:
			c.Regs.CR2 = v
		case 3:
			c.Regs.CR3 = v
		case 4:
			c.Regs.CR4 = v
		default:
			return errGP(0)
		}

		c.UpdateMode()

		return nil

	case op == 0x21 || op == 0x23: // mov dr: accepted and ignored
		return nil

	case op == 0x30: // wrmsr
		num := uint32(c.Regs.GPR[RCX])
		v := c.Regs.GPR[RDX]<<32 | c.Regs.GPR[RAX]&0xFFFF_FFFF

		c.Regs.WriteMSR(num, v)

		if num == MSREFER {
			c.UpdateMode()
		}

		return nil

	case op == 0x31: // rdtsc
		tsc := c.InstructionCount * 4
		c.Regs.GPR[RAX] = tsc & 0xFFFF_FFFF
		c.Regs.GPR[RDX] = tsc >> 32

		return nil

	case op == 0x32: // rdmsr
		v := c.Regs.ReadMSR(uint32(c.Regs.GPR[RCX]))
		c.Regs.GPR[RAX] = v & 0xFFFF_FFFF
		c.Regs.GPR[RDX] = v >> 32

		return nil

	case op >= 0x40 && op <= 0x4F: // cmovcc
		v, err := e.readRM(size)
		if err != nil {
			return err
		}

		if e.condition(op & 0xF) {
			e.writeReg(size, inst.Reg(), v)
		}

		return nil

	case op >= 0x80 && op <= 0x8F: // jcc rel16/32
		e.jumpRel(e.condition(op & 0xF))

		return nil

	case op >= 0x90 && op <= 0x9F: // setcc
		v := uint64(0)
		if e.condition(op & 0xF) {
			v = 1
		}

		return e.writeRM(1, v)

	case op == 0xA0: // push fs
		return e.push(e.stackOpSize(), uint64(c.Regs.Seg[FS].Selector))
	case op == 0xA1: // pop fs
		return e.popSeg(FS)
	case op == 0xA8: // push gs
		return e.push(e.stackOpSize(), uint64(c.Regs.Seg[GS].Selector))
	case op == 0xA9: // pop gs
		return e.popSeg(GS)

	case op == 0xA2: // cpuid
		e.execCpuid()

		return nil

	case op == 0xA3 || op == 0xAB || op == 0xB3 || op == 0xBB: // bt/bts/btr/btc
		return e.execBitTest(op, size, uint64(0), false)

	case op == 0xAF: // imul r, r/m
		v, err := e.readRM(size)
		if err != nil {
			return err
		}

		a := signExtend(e.readReg(size, inst.Reg()), size)
		b := signExtend(v, size)
		r := a * b

		e.writeReg(size, inst.Reg(), uint64(r))

		fits := signExtend(uint64(r), size) == r
		e.setFlag(FlagCF, !fits)
		e.setFlag(FlagOF, !fits)

		return nil

	case op == 0xB0 || op == 0xB1: // cmpxchg
		opSize := size
		if op == 0xB0 {
			opSize = 1
		}

		dst, err := e.readRM(opSize)
		if err != nil {
			return err
		}

		acc := e.readReg(opSize, RAX)
		e.setSubFlags(opSize, acc, dst, 0)

		if acc == dst {
			return e.writeRM(opSize, e.readReg(opSize, inst.Reg()))
		}

		e.writeReg(opSize, RAX, dst)

		return nil

	case op == 0xB6: // movzx r, r/m8
		v, err := e.readRM(1)
		if err != nil {
			return err
		}
		e.writeReg(size, inst.Reg(), v)

		return nil

	case op == 0xB7: // movzx r, r/m16
		v, err := e.readRM(2)
		if err != nil {
			return err
		}
		e.writeReg(size, inst.Reg(), v)

		return nil

	case op == 0xBA: // bt group, imm8
		return e.execBitTest(0xA3+(uint8(inst.Reg()&7)-4)<<3, size, uint64(inst.Imm), true)

	case op == 0xBE: // movsx r, r/m8
		v, err := e.readRM(1)
		if err != nil {
			return err
		}
		e.writeReg(size, inst.Reg(), uint64(signExtend(v, 1))&sizeMask(size))

		return nil

	case op == 0xBF: // movsx r, r/m16
		v, err := e.readRM(2)
		if err != nil {
			return err
		}
		e.writeReg(size, inst.Reg(), uint64(signExtend(v, 2))&sizeMask(size))

		return nil

	case op == 0xC0 || op == 0xC1: // xadd
		opSize := size
		if op == 0xC0 {
			opSize = 1
		}

		dst, err := e.readRM(opSize)
		if err != nil {
			return err
		}

		src := e.readReg(opSize, inst.Reg())
		r := e.setAddFlags(opSize, dst, src, 0)

		e.writeReg(opSize, inst.Reg(), dst)

		return e.writeRM(opSize, r)

	case op >= 0xC8 && op <= 0xCF: // bswap
		idx := int(op - 0xC8)
		if inst.RexB {
			idx |= 8
		}

		v := e.readReg(size, idx)

		var r uint64
		for i := 0; i < size; i++ {
			r = r<<8 | v&0xFF
			v >>= 8
		}

		e.writeReg(size, idx, r)

		return nil
	}

	return errUD(op)
}

// crSize is the operand width of MOV CR: 64-bit in long mode, 32
// otherwise.
func (e *execEnv) crSize() int {
	if e.c.Mode == LongMode {
		return 8
	}

	return 4
}

// execGroup01 handles LGDT/LIDT/SGDT/SIDT/LMSW/SMSW.
func (e *execEnv) execGroup01() error {
	c := e.c

	switch e.inst.Reg() & 7 {
	case 0: // sgdt
		addr := e.effAddr()
		if err := e.writeLinear(addr, 2, uint64(c.Regs.GDTR.Limit)); err != nil {
			return err
		}

		return e.writeLinear(addr+2, 8, c.Regs.GDTR.Base)

	case 1: // sidt
		addr := e.effAddr()
		if err := e.writeLinear(addr, 2, uint64(c.Regs.IDTR.Limit)); err != nil {
			return err
		}

		return e.writeLinear(addr+2, 8, c.Regs.IDTR.Base)

	case 2: // lgdt
		return e.loadTableRegister(&c.Regs.GDTR)

	case 3: // lidt
		return e.loadTableRegister(&c.Regs.IDTR)

	case 4: // smsw
		return e.writeRM(2, c.Regs.CR0&0xFFFF)

	case 6: // lmsw
		v, err := e.readRM(2)
		if err != nil {
			return err
		}

		// LMSW can set but never clear PE.
		c.Regs.CR0 = c.Regs.CR0&^uint64(0xE) | v&0xF | c.Regs.CR0&CR0PE
		if v&1 != 0 {
			c.Regs.CR0 |= CR0PE
		}

		c.UpdateMode()

		return nil

	case 7: // invlpg
		return nil
	}

	return errUD(0x01)
}

func (e *execEnv) loadTableRegister(tr *TableRegister) error {
	addr := e.effAddr()

	limit, err := e.readLinear(addr, 2)
	if err != nil {
		return err
	}

	baseBytes := 4
	if e.c.Mode == LongMode {
		baseBytes = 8
	}

	base, err := e.readLinear(addr+2, baseBytes)
	if err != nil {
		return err
	}

	if e.c.Mode != LongMode && e.inst.OperandSize == 2 {
		base &= 0xFF_FFFF
	}

	tr.Limit = uint16(limit)
	tr.Base = base

	return nil
}

// execBitTest implements BT/BTS/BTR/BTC. For the register-form bit base
// the offset wraps at the operand width; for memory form it extends.
func (e *execEnv) execBitTest(op uint8, size int, imm uint64, isImm bool) error {
	var bitOff uint64
	if isImm {
		bitOff = imm
	} else {
		bitOff = e.readReg(size, e.inst.Reg())
	}

	if e.inst.Mod() == 3 {
		bitOff %= uint64(size * 8)

		v := e.readReg(size, e.inst.RM())
		e.setFlag(FlagCF, v>>bitOff&1 != 0)

		switch op {
		case 0xAB:
			v |= 1 << bitOff
		case 0xB3:
			v &^= 1 << bitOff
		case 0xBB:
			v ^= 1 << bitOff
		default:
			return nil
		}

		e.writeReg(size, e.inst.RM(), v)

		return nil
	}

	base := e.effAddr()
	byteOff := int64(bitOff) >> 3
	bit := bitOff & 7

	v, err := e.readLinear(base+uint64(byteOff), 1)
	if err != nil {
		return err
	}

	e.setFlag(FlagCF, v>>bit&1 != 0)

	switch op {
	case 0xAB:
		v |= 1 << bit
	case 0xB3:
		v &^= 1 << bit
	case 0xBB:
		v ^= 1 << bit
	default:
		return nil
	}

	return e.writeLinear(base+uint64(byteOff), 1, v)
}

// execCpuid answers the leaves firmware actually probes.
func (e *execEnv) execCpuid() {
	c := e.c
	leaf := uint32(c.Regs.GPR[RAX])

	set := func(a, b, cx, d uint32) {
		c.Regs.GPR[RAX] = uint64(a)
		c.Regs.GPR[RBX] = uint64(b)
		c.Regs.GPR[RCX] = uint64(cx)
		c.Regs.GPR[RDX] = uint64(d)
	}

	switch leaf {
	case 0:
		// Vendor string "corereVMcore" (EBX, EDX, ECX).
		set(0x7, 0x65726F63, 0x65726F63, 0x4D566572)
	case 1:
		// Family 6, FPU+TSC+MSR+PAE+CMOV+PSE.
		set(0x0606, 0, 0, 1|1<<3|1<<4|1<<5|1<<6|1<<15)
	case 0x8000_0000:
		set(0x8000_0008, 0, 0, 0)
	case 0x8000_0001:
		// Long mode available.
		set(0, 0, 0, 1<<29)
	case 0x8000_0008:
		set(36|48<<8, 0, 0, 0)
	default:
		set(0, 0, 0, 0)
	}
}
