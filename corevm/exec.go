package corevm

// execEnv bundles the machine references for the duration of one
// instruction.
type execEnv struct {
	c    *Cpu
	inst *DecodedInst
	mem  *GuestMemory
	mmu  *Mmu
	io   *IoDispatch
	ints *InterruptController

	// rip of the next instruction; relative transfers are based on it.
	nextRIP uint64
}

func sizeMask(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFF_FFFF
	}

	return ^uint64(0)
}

func signBit(size int) uint64 {
	return 1 << (size*8 - 1)
}

func signExtend(v uint64, size int) int64 {
	shift := 64 - size*8

	return int64(v<<uint(shift)) >> uint(shift)
}

// execute runs one decoded instruction. RIP is advanced past the
// instruction first, so relative branches and pushed return addresses
// see the next-instruction address.
func (c *Cpu) execute(inst *DecodedInst, mem *GuestMemory, mmu *Mmu, io *IoDispatch, ints *InterruptController) error {
	e := &execEnv{c: c, inst: inst, mem: mem, mmu: mmu, io: io, ints: ints}

	e.nextRIP = c.Regs.RIP + uint64(inst.Len)
	if c.Mode == RealMode {
		e.nextRIP &= 0xFFFF
	}
	c.Regs.RIP = e.nextRIP

	if inst.Opcode&0xFF00 == 0x0F00 {
		return e.execute0F(uint8(inst.Opcode))
	}

	return e.executeLegacy(uint8(inst.Opcode))
}

// ── register access ──

func (e *execEnv) readReg(size, idx int) uint64 {
	if size == 1 {
		return e.readReg8(idx)
	}

	return e.c.Regs.GPR[idx] & sizeMask(size)
}

func (e *execEnv) writeReg(size, idx int, v uint64) {
	switch size {
	case 1:
		e.writeReg8(idx, uint8(v))
	case 2:
		e.c.Regs.GPR[idx] = e.c.Regs.GPR[idx]&^0xFFFF | v&0xFFFF
	case 4:
		// 32-bit writes zero the upper half.
		e.c.Regs.GPR[idx] = v & 0xFFFF_FFFF
	default:
		e.c.Regs.GPR[idx] = v
	}
}

// Legacy 8-bit registers: without REX, indexes 4..7 are AH/CH/DH/BH.
func (e *execEnv) readReg8(idx int) uint64 {
	if !e.inst.HasRex && idx >= 4 && idx < 8 {
		return e.c.Regs.GPR[idx-4] >> 8 & 0xFF
	}

	return e.c.Regs.GPR[idx] & 0xFF
}

func (e *execEnv) writeReg8(idx int, v uint8) {
	if !e.inst.HasRex && idx >= 4 && idx < 8 {
		r := &e.c.Regs.GPR[idx-4]
		*r = *r&^0xFF00 | uint64(v)<<8

		return
	}

	r := &e.c.Regs.GPR[idx]
	*r = *r&^0xFF | uint64(v)
}

// ── memory access ──

func (e *execEnv) linearToPhys(linear uint64, access AccessType) (uint64, error) {
	if !e.c.A20Enabled {
		linear &^= 1 << 20
	}

	return e.mmu.TranslateLinear(linear, e.c.Regs.CR3, access, e.c.Regs.CPL, e.mem)
}

func (e *execEnv) readLinear(linear uint64, size int) (uint64, error) {
	phys, err := e.linearToPhys(linear, AccessRead)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		v, err := e.mem.ReadU8(phys)

		return uint64(v), err
	case 2:
		v, err := e.mem.ReadU16(phys)

		return uint64(v), err
	case 4:
		v, err := e.mem.ReadU32(phys)

		return uint64(v), err
	}

	return e.mem.ReadU64(phys)
}

func (e *execEnv) writeLinear(linear uint64, size int, v uint64) error {
	phys, err := e.linearToPhys(linear, AccessWrite)
	if err != nil {
		return err
	}

	switch size {
	case 1:
		return e.mem.WriteU8(phys, uint8(v))
	case 2:
		return e.mem.WriteU16(phys, uint16(v))
	case 4:
		return e.mem.WriteU32(phys, uint32(v))
	}

	return e.mem.WriteU64(phys, v)
}

// segBase returns the base of the effective segment: the override if
// present, SS for BP/SP-based addressing, DS otherwise.
func (e *execEnv) segBase(defaultSeg int) uint64 {
	if e.inst.SegOverride >= 0 {
		return e.c.Regs.Seg[e.inst.SegOverride].Base
	}

	return e.c.Regs.Seg[defaultSeg].Base
}

// effAddr computes the linear effective address of a memory-form ModRM.
func (e *execEnv) effAddr() uint64 {
	inst := e.inst
	mod := inst.Mod()
	rm := inst.ModRM & 7

	var (
		offset     uint64
		defaultSeg = DS
	)

	if inst.AddressSize == 2 {
		bx := e.c.Regs.GPR[RBX] & 0xFFFF
		bp := e.c.Regs.GPR[RBP] & 0xFFFF
		si := e.c.Regs.GPR[RSI] & 0xFFFF
		di := e.c.Regs.GPR[RDI] & 0xFFFF

		switch rm {
		case 0:
			offset = bx + si
		case 1:
			offset = bx + di
		case 2:
			offset = bp + si
			defaultSeg = SS
		case 3:
			offset = bp + di
			defaultSeg = SS
		case 4:
			offset = si
		case 5:
			offset = di
		case 6:
			if mod == 0 {
				offset = uint64(inst.Disp) & 0xFFFF

				return e.segBase(DS) + offset
			}
			offset = bp
			defaultSeg = SS
		case 7:
			offset = bx
		}

		offset = (offset + uint64(inst.Disp)) & 0xFFFF

		return e.segBase(defaultSeg) + offset
	}

	mask := sizeMask(inst.AddressSize)

	if inst.HasSIB {
		sib := inst.SIB
		scale := uint64(1) << (sib >> 6)

		idx := int(sib >> 3 & 7)
		if e.inst.RexX {
			idx |= 8
		}

		base := int(sib & 7)
		if e.inst.RexB {
			base |= 8
		}

		if idx != 4 { // RSP cannot index
			offset += e.c.Regs.GPR[idx] * scale
		}

		if sib&7 == 5 && mod == 0 {
			// disp32, no base.
		} else {
			offset += e.c.Regs.GPR[base]
			if base == RBP || base == RSP {
				defaultSeg = SS
			}
		}

		offset = (offset + uint64(inst.Disp)) & mask

		return e.segBase(defaultSeg) + offset
	}

	if mod == 0 && rm == 5 {
		if e.c.Decoder.Mode() == Long64 {
			// RIP-relative.
			return (e.nextRIP + uint64(inst.Disp)) & mask
		}

		return e.segBase(DS) + uint64(inst.Disp)&mask
	}

	reg := int(rm)
	if e.inst.RexB {
		reg |= 8
	}

	if reg == RBP || reg == RSP {
		defaultSeg = SS
	}

	offset = (e.c.Regs.GPR[reg] + uint64(inst.Disp)) & mask

	return e.segBase(defaultSeg) + offset
}

func (e *execEnv) readRM(size int) (uint64, error) {
	if e.inst.Mod() == 3 {
		return e.readReg(size, e.inst.RM()), nil
	}

	return e.readLinear(e.effAddr(), size)
}

func (e *execEnv) writeRM(size int, v uint64) error {
	if e.inst.Mod() == 3 {
		e.writeReg(size, e.inst.RM(), v)

		return nil
	}

	return e.writeLinear(e.effAddr(), size, v)
}

// ── stack ──

func (e *execEnv) push(size int, v uint64) error {
	sp := e.c.Regs.SP() - uint64(size)

	if e.c.Mode != LongMode {
		sp &= sizeMask(stackPtrSize(e.c))
		e.c.Regs.SetSP(e.c.Regs.SP()&^sizeMask(stackPtrSize(e.c)) | sp)
	} else {
		e.c.Regs.SetSP(sp)
	}

	return e.writeLinear(e.c.Regs.Seg[SS].Base+sp, size, v)
}

func (e *execEnv) pop(size int) (uint64, error) {
	sp := e.c.Regs.SP()
	if e.c.Mode != LongMode {
		sp &= sizeMask(stackPtrSize(e.c))
	}

	v, err := e.readLinear(e.c.Regs.Seg[SS].Base+sp, size)
	if err != nil {
		return 0, err
	}

	nsp := sp + uint64(size)
	if e.c.Mode != LongMode {
		nsp &= sizeMask(stackPtrSize(e.c))
		e.c.Regs.SetSP(e.c.Regs.SP()&^sizeMask(stackPtrSize(e.c)) | nsp)
	} else {
		e.c.Regs.SetSP(nsp)
	}

	return v, nil
}

func stackPtrSize(c *Cpu) int {
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

// stackOpSize is the width pushed by PUSH r etc.
func (e *execEnv) stackOpSize() int {
	if e.c.Mode == LongMode {
		return 8
	}

	return e.inst.OperandSize
}

// ── flags ──

var parityTable = func() [256]bool {
	var t [256]bool

	for i := 0; i < 256; i++ {
		bits := 0
		for b := 0; b < 8; b++ {
			if i&(1<<b) != 0 {
				bits++
			}
		}
		t[i] = bits%2 == 0
	}

	return t
}()

func (e *execEnv) setFlag(flag uint64, on bool) {
	if on {
		e.c.Regs.RFLAGS |= flag
	} else {
		e.c.Regs.RFLAGS &^= flag
	}
}

func (e *execEnv) getFlag(flag uint64) bool {
	return e.c.Regs.RFLAGS&flag != 0
}

func (e *execEnv) setSZP(size int, result uint64) {
	r := result & sizeMask(size)

	e.setFlag(FlagZF, r == 0)
	e.setFlag(FlagSF, r&signBit(size) != 0)
	e.setFlag(FlagPF, parityTable[r&0xFF])
}

func (e *execEnv) setLogicFlags(size int, result uint64) {
	e.setSZP(size, result)
	e.setFlag(FlagCF, false)
	e.setFlag(FlagOF, false)
	e.setFlag(FlagAF, false)
}

func (e *execEnv) setAddFlags(size int, a, b, carryIn uint64) uint64 {
	mask := sizeMask(size)
	a &= mask
	b &= mask

	r := a + b + carryIn

	e.setFlag(FlagCF, r > mask)
	r &= mask

	e.setFlag(FlagAF, (a^b^r)&0x10 != 0)
	e.setFlag(FlagOF, (a^r)&(b^r)&signBit(size) != 0)
	e.setSZP(size, r)

	return r
}

func (e *execEnv) setSubFlags(size int, a, b, borrowIn uint64) uint64 {
	mask := sizeMask(size)
	a &= mask
	b &= mask

	r := a - b - borrowIn

	e.setFlag(FlagCF, a < b || borrowIn == 1 && a == b)
	r &= mask

	e.setFlag(FlagAF, (a^b^r)&0x10 != 0)
	e.setFlag(FlagOF, (a^b)&(a^r)&signBit(size) != 0)
	e.setSZP(size, r)

	return r
}

// condition evaluates the low nibble of a Jcc/SETcc/CMOVcc opcode.
func (e *execEnv) condition(cc uint8) bool {
	var v bool

	switch cc >> 1 {
	case 0: // O
		v = e.getFlag(FlagOF)
	case 1: // B
		v = e.getFlag(FlagCF)
	case 2: // Z
		v = e.getFlag(FlagZF)
	case 3: // BE
		v = e.getFlag(FlagCF) || e.getFlag(FlagZF)
	case 4: // S
		v = e.getFlag(FlagSF)
	case 5: // P
		v = e.getFlag(FlagPF)
	case 6: // L
		v = e.getFlag(FlagSF) != e.getFlag(FlagOF)
	case 7: // LE
		v = e.getFlag(FlagZF) || e.getFlag(FlagSF) != e.getFlag(FlagOF)
	}

	if cc&1 != 0 {
		return !v
	}

	return v
}

func (e *execEnv) jumpRel(taken bool) {
	if !taken {
		return
	}

	rip := e.nextRIP + uint64(e.inst.Imm)
	if e.c.Mode == RealMode || e.inst.OperandSize == 2 {
		rip &= 0xFFFF
	} else if e.inst.OperandSize == 4 {
		rip &= 0xFFFF_FFFF
	}

	e.c.Regs.RIP = rip
}

// ── ALU dispatch ──

// aluOp applies one of the eight classic ALU operations.
func (e *execEnv) aluOp(op int, size int, a, b uint64) uint64 {
	switch op {
	case 0: // ADD
		return e.setAddFlags(size, a, b, 0)
	case 1: // OR
		r := (a | b) & sizeMask(size)
		e.setLogicFlags(size, r)

		return r
	case 2: // ADC
		carry := uint64(0)
		if e.getFlag(FlagCF) {
			carry = 1
		}

		return e.setAddFlags(size, a, b, carry)
	case 3: // SBB
		borrow := uint64(0)
		if e.getFlag(FlagCF) {
			borrow = 1
		}

		return e.setSubFlags(size, a, b, borrow)
	case 4: // AND
		r := a & b & sizeMask(size)
		e.setLogicFlags(size, r)

		return r
	case 5: // SUB
		return e.setSubFlags(size, a, b, 0)
	case 6: // XOR
		r := (a ^ b) & sizeMask(size)
		e.setLogicFlags(size, r)

		return r
	default: // CMP
		e.setSubFlags(size, a, b, 0)

		return a
	}
}

func (e *execEnv) execALUForm(op uint8) error {
	aluIdx := int(op >> 3)
	form := op & 7

	size := e.inst.OperandSize
	if form == 0 || form == 2 || form == 4 {
		size = 1
	}

	switch form {
	case 0, 1: // r/m, r
		a, err := e.readRM(size)
		if err != nil {
			return err
		}

		b := e.readReg(size, e.inst.Reg())

		r := e.aluOp(aluIdx, size, a, b)
		if aluIdx != 7 {
			return e.writeRM(size, r)
		}

		return nil

	case 2, 3: // r, r/m
		b, err := e.readRM(size)
		if err != nil {
			return err
		}

		a := e.readReg(size, e.inst.Reg())

		r := e.aluOp(aluIdx, size, a, b)
		if aluIdx != 7 {
			e.writeReg(size, e.inst.Reg(), r)
		}

		return nil

	case 4: // AL, imm8
		r := e.aluOp(aluIdx, 1, e.readReg(1, RAX), uint64(e.inst.Imm))
		if aluIdx != 7 {
			e.writeReg(1, RAX, r)
		}

		return nil

	default: // eAX, imm
		r := e.aluOp(aluIdx, size, e.readReg(size, RAX), uint64(e.inst.Imm))
		if aluIdx != 7 {
			e.writeReg(size, RAX, r)
		}

		return nil
	}
}

// ── shifts ──

func (e *execEnv) shiftOp(group int, size int, v, count uint64) uint64 {
	count &= 0x1F
	if size == 8 {
		count &= 0x3F
	}

	if count == 0 {
		return v
	}

	mask := sizeMask(size)
	bits := uint64(size * 8)
	v &= mask

	var r uint64

	switch group {
	case 0: // ROL
		c := count % bits
		r = (v<<c | v>>(bits-c)) & mask
		e.setFlag(FlagCF, r&1 != 0)
	case 1: // ROR
		c := count % bits
		r = (v>>c | v<<(bits-c)) & mask
		e.setFlag(FlagCF, r&signBit(size) != 0)
	case 2: // RCL
		cf := uint64(0)
		if e.getFlag(FlagCF) {
			cf = 1
		}
		wide := v | cf<<bits
		c := count % (bits + 1)
		if c > 0 {
			wide = wide<<c | wide>>(bits+1-c)
		}
		r = wide & mask
		e.setFlag(FlagCF, wide&(1<<bits) != 0)
	case 3: // RCR
		cf := uint64(0)
		if e.getFlag(FlagCF) {
			cf = 1
		}
		wide := v | cf<<bits
		c := count % (bits + 1)
		if c > 0 {
			wide = wide>>c | wide<<(bits+1-c)
		}
		r = wide & mask
		e.setFlag(FlagCF, wide&(1<<bits) != 0)
	case 4, 6: // SHL
		e.setFlag(FlagCF, count <= bits && v<<(count-1)&signBit(size) != 0)
		r = v << count & mask
		e.setSZP(size, r)
	case 5: // SHR
		e.setFlag(FlagCF, v>>(count-1)&1 != 0)
		r = v >> count
		e.setSZP(size, r)
	default: // SAR
		s := signExtend(v, size)
		e.setFlag(FlagCF, s>>(count-1)&1 != 0)
		r = uint64(s>>count) & mask
		e.setSZP(size, r)
	}

	return r
}

func (e *execEnv) execShiftGroup(size int, count uint64) error {
	v, err := e.readRM(size)
	if err != nil {
		return err
	}

	r := e.shiftOp(e.inst.Reg()&7, size, v, count)

	return e.writeRM(size, r)
}

// ── string operations ──

func (e *execEnv) stringStep(size int) int64 {
	if e.getFlag(FlagDF) {
		return -int64(size)
	}

	return int64(size)
}

func (e *execEnv) addrReg(idx int) uint64 {
	return e.c.Regs.GPR[idx] & sizeMask(e.inst.AddressSize)
}

func (e *execEnv) setAddrReg(idx int, v uint64) {
	mask := sizeMask(e.inst.AddressSize)
	e.c.Regs.GPR[idx] = e.c.Regs.GPR[idx]&^mask | v&mask
}

// repCount returns the iteration count for REP-prefixed string ops
// (1 when unprefixed).
func (e *execEnv) repCount() uint64 {
	if !e.inst.Rep && !e.inst.Repne {
		return 1
	}

	return e.addrReg(RCX)
}

func (e *execEnv) repDone(n uint64) {
	if e.inst.Rep || e.inst.Repne {
		e.setAddrReg(RCX, e.addrReg(RCX)-n)
	}
}

func (e *execEnv) execMovs(size int) error {
	count := e.repCount()

	for i := uint64(0); i < count; i++ {
		src := e.segBase(DS) + e.addrReg(RSI)
		dst := e.c.Regs.Seg[ES].Base + e.addrReg(RDI)

		v, err := e.readLinear(src, size)
		if err != nil {
			e.repDone(i)

			return err
		}

		if err := e.writeLinear(dst, size, v); err != nil {
			e.repDone(i)

			return err
		}

		step := e.stringStep(size)
		e.setAddrReg(RSI, e.addrReg(RSI)+uint64(step))
		e.setAddrReg(RDI, e.addrReg(RDI)+uint64(step))
	}

	e.repDone(count)

	return nil
}

func (e *execEnv) execStos(size int) error {
	count := e.repCount()
	v := e.readReg(size, RAX)

	for i := uint64(0); i < count; i++ {
		dst := e.c.Regs.Seg[ES].Base + e.addrReg(RDI)

		if err := e.writeLinear(dst, size, v); err != nil {
			e.repDone(i)

			return err
		}

		e.setAddrReg(RDI, e.addrReg(RDI)+uint64(e.stringStep(size)))
	}

	e.repDone(count)

	return nil
}

func (e *execEnv) execLods(size int) error {
	count := e.repCount()

	for i := uint64(0); i < count; i++ {
		src := e.segBase(DS) + e.addrReg(RSI)

		v, err := e.readLinear(src, size)
		if err != nil {
			e.repDone(i)

			return err
		}

		e.writeReg(size, RAX, v)
		e.setAddrReg(RSI, e.addrReg(RSI)+uint64(e.stringStep(size)))
	}

	e.repDone(count)

	return nil
}

func (e *execEnv) execIns(size int) error {
	count := e.repCount()
	port := uint16(e.readReg(2, RDX))

	for i := uint64(0); i < count; i++ {
		v := e.io.In(port, size)
		dst := e.c.Regs.Seg[ES].Base + e.addrReg(RDI)

		if err := e.writeLinear(dst, size, uint64(v)); err != nil {
			e.repDone(i)

			return err
		}

		e.setAddrReg(RDI, e.addrReg(RDI)+uint64(e.stringStep(size)))
	}

	e.repDone(count)

	return nil
}

func (e *execEnv) execOuts(size int) error {
	count := e.repCount()
	port := uint16(e.readReg(2, RDX))

	for i := uint64(0); i < count; i++ {
		src := e.segBase(DS) + e.addrReg(RSI)

		v, err := e.readLinear(src, size)
		if err != nil {
			e.repDone(i)

			return err
		}

		e.io.Out(port, size, uint32(v))
		e.setAddrReg(RSI, e.addrReg(RSI)+uint64(e.stringStep(size)))
	}

	e.repDone(count)

	return nil
}

func (e *execEnv) execCmps(size int) error {
	count := e.repCount()

	var done uint64

	for ; done < count; done++ {
		src := e.segBase(DS) + e.addrReg(RSI)
		dst := e.c.Regs.Seg[ES].Base + e.addrReg(RDI)

		a, err := e.readLinear(src, size)
		if err != nil {
			e.repDone(done)

			return err
		}

		b, err := e.readLinear(dst, size)
		if err != nil {
			e.repDone(done)

			return err
		}

		e.setSubFlags(size, a, b, 0)

		step := e.stringStep(size)
		e.setAddrReg(RSI, e.addrReg(RSI)+uint64(step))
		e.setAddrReg(RDI, e.addrReg(RDI)+uint64(step))

		if e.inst.Rep && !e.getFlag(FlagZF) {
			done++

			break
		}

		if e.inst.Repne && e.getFlag(FlagZF) {
			done++

			break
		}
	}

	e.repDone(done)

	return nil
}

func (e *execEnv) execScas(size int) error {
	count := e.repCount()
	a := e.readReg(size, RAX)

	var done uint64

	for ; done < count; done++ {
		dst := e.c.Regs.Seg[ES].Base + e.addrReg(RDI)

		b, err := e.readLinear(dst, size)
		if err != nil {
			e.repDone(done)

			return err
		}

		e.setSubFlags(size, a, b, 0)
		e.setAddrReg(RDI, e.addrReg(RDI)+uint64(e.stringStep(size)))

		if e.inst.Rep && !e.getFlag(FlagZF) {
			done++

			break
		}

		if e.inst.Repne && e.getFlag(FlagZF) {
			done++

			break
		}
	}

	e.repDone(done)

	return nil
}
