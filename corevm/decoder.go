package corevm

// CpuMode selects the decoder's default operand and address sizes.
type CpuMode uint8

const (
	Real16 CpuMode = iota
	Protected32
	Long64
)

// Maximum legal instruction length; the bytewise scan is bounded by it.
const maxInstLen = 15

// DecodedInst is the fixed-size result of one decode.
type DecodedInst struct {
	// Opcode is the primary opcode; 0F-escape opcodes are 0x0F00|op.
	Opcode uint16

	// Prefix state.
	Rep, Repne, Lock bool
	SegOverride      int // segment register index, -1 if none
	OpSizeOverride   bool
	AddrSizeOverride bool

	RexW, RexR, RexX, RexB bool
	HasRex                 bool

	HasModRM bool
	ModRM    uint8
	SIB      uint8
	HasSIB   bool

	Disp int64
	Imm  int64

	// OperandSize and AddressSize in bytes (2, 4 or 8).
	OperandSize int
	AddressSize int

	Len int
}

// Mod returns ModRM bits 7:6.
func (d *DecodedInst) Mod() uint8 { return d.ModRM >> 6 }

// Reg returns the ModRM reg field with the REX.R extension.
func (d *DecodedInst) Reg() int {
	r := int(d.ModRM >> 3 & 7)
	if d.RexR {
		r |= 8
	}

	return r
}

// RM returns the ModRM r/m field with the REX.B extension.
func (d *DecodedInst) RM() int {
	r := int(d.ModRM & 7)
	if d.RexB {
		r |= 8
	}

	return r
}

// Decoder turns guest memory bytes into DecodedInst values.
type Decoder struct {
	mode CpuMode
}

func NewDecoder(mode CpuMode) *Decoder {
	return &Decoder{mode: mode}
}

func (d *Decoder) SetMode(mode CpuMode) {
	d.mode = mode
}

func (d *Decoder) Mode() CpuMode {
	return d.mode
}

type fetcher struct {
	mem  *GuestMemory
	addr uint64
	n    int
}

func (f *fetcher) next() (uint8, error) {
	if f.n >= maxInstLen {
		return 0, errUD(0)
	}

	b, err := f.mem.ReadU8(f.addr + uint64(f.n))
	if err != nil {
		return 0, &VMError{Kind: ErrFetchFault, Address: f.addr + uint64(f.n)}
	}

	f.n++

	return b, nil
}

func (f *fetcher) imm(bytes int) (int64, error) {
	var v uint64

	for i := 0; i < bytes; i++ {
		b, err := f.next()
		if err != nil {
			return 0, err
		}

		v |= uint64(b) << (8 * i)
	}

	// Sign extend from the fetched width.
	shift := 64 - bytes*8

	return int64(v<<shift) >> shift, nil
}

// Decode reads one instruction at a physical address.
func (d *Decoder) Decode(mem *GuestMemory, phys uint64) (*DecodedInst, error) {
	f := &fetcher{mem: mem, addr: phys}

	inst := &DecodedInst{SegOverride: -1}

	defaultSize := 2
	if d.mode != Real16 {
		defaultSize = 4
	}

	var op uint8

prefixes:
	for {
		b, err := f.next()
		if err != nil {
			return nil, err
		}

		switch b {
		case 0xF0:
			inst.Lock = true
		case 0xF2:
			inst.Repne = true
		case 0xF3:
			inst.Rep = true
		case 0x26:
			inst.SegOverride = ES
		case 0x2E:
			inst.SegOverride = CS
		case 0x36:
			inst.SegOverride = SS
		case 0x3E:
			inst.SegOverride = DS
		case 0x64:
			inst.SegOverride = FS
		case 0x65:
			inst.SegOverride = GS
		case 0x66:
			inst.OpSizeOverride = true
		case 0x67:
			inst.AddrSizeOverride = true
		default:
			if d.mode == Long64 && b >= 0x40 && b <= 0x4F {
				inst.HasRex = true
				inst.RexW = b&8 != 0
				inst.RexR = b&4 != 0
				inst.RexX = b&2 != 0
				inst.RexB = b&1 != 0

				continue
			}

			op = b

			break prefixes
		}
	}

	inst.OperandSize = defaultSize
	if inst.OpSizeOverride {
		if defaultSize == 2 {
			inst.OperandSize = 4
		} else {
			inst.OperandSize = 2
		}
	}

	if inst.RexW {
		inst.OperandSize = 8
	}

	switch d.mode {
	case Long64:
		inst.AddressSize = 8
		if inst.AddrSizeOverride {
			inst.AddressSize = 4
		}
	case Protected32:
		inst.AddressSize = 4
		if inst.AddrSizeOverride {
			inst.AddressSize = 2
		}
	default:
		inst.AddressSize = 2
		if inst.AddrSizeOverride {
			inst.AddressSize = 4
		}
	}

	inst.Opcode = uint16(op)

	if op == 0x0F {
		b, err := f.next()
		if err != nil {
			return nil, err
		}

		inst.Opcode = 0x0F00 | uint16(b)

		if err := d.decode0F(inst, f, b); err != nil {
			return nil, err
		}

		inst.Len = f.n

		return inst, nil
	}

	if err := d.decodeLegacy(inst, f, op); err != nil {
		return nil, err
	}

	inst.Len = f.n

	return inst, nil
}

func (d *Decoder) readModRM(inst *DecodedInst, f *fetcher) error {
	b, err := f.next()
	if err != nil {
		return err
	}

	inst.HasModRM = true
	inst.ModRM = b

	mod := b >> 6
	rm := b & 7

	if mod == 3 {
		return nil
	}

	if inst.AddressSize == 2 {
		// 16-bit addressing: no SIB; disp by mod, plus the
		// mod=00 rm=110 direct-address special case.
		switch {
		case mod == 0 && rm == 6:
			disp, err := f.imm(2)
			if err != nil {
				return err
			}
			inst.Disp = disp
		case mod == 1:
			disp, err := f.imm(1)
			if err != nil {
				return err
			}
			inst.Disp = disp
		case mod == 2:
			disp, err := f.imm(2)
			if err != nil {
				return err
			}
			inst.Disp = disp
		}

		return nil
	}

	// 32/64-bit addressing.
	if rm == 4 {
		sib, err := f.next()
		if err != nil {
			return err
		}

		inst.HasSIB = true
		inst.SIB = sib

		// SIB base=101 with mod=0 means disp32, no base.
		if mod == 0 && sib&7 == 5 {
			disp, err := f.imm(4)
			if err != nil {
				return err
			}
			inst.Disp = disp

			return d.readModRMDisp(inst, f, mod, true)
		}
	}

	if mod == 0 && rm == 5 {
		// disp32 (RIP-relative in long mode).
		disp, err := f.imm(4)
		if err != nil {
			return err
		}
		inst.Disp = disp

		return nil
	}

	return d.readModRMDisp(inst, f, mod, false)
}

func (d *Decoder) readModRMDisp(inst *DecodedInst, f *fetcher, mod uint8, dispDone bool) error {
	if dispDone {
		return nil
	}

	switch mod {
	case 1:
		disp, err := f.imm(1)
		if err != nil {
			return err
		}
		inst.Disp = disp
	case 2:
		disp, err := f.imm(4)
		if err != nil {
			return err
		}
		inst.Disp = disp
	}

	return nil
}

// immSize returns the immediate width for full-operand-size immediates
// (capped at 4 bytes; 64-bit immediates exist only for B8+r).
func immSize(opSize int) int {
	if opSize > 4 {
		return 4
	}

	return opSize
}

func (d *Decoder) decodeLegacy(inst *DecodedInst, f *fetcher, op uint8) error {
	switch {
	// ALU r/m,r and r,r/m forms (00-3B) share the shape.
	case op < 0x40 && op&7 <= 3:
		return d.readModRM(inst, f)

	// ALU AL,imm8.
	case op < 0x40 && op&7 == 4:
		return d.fetchImm(inst, f, 1)

	// ALU eAX,imm.
	case op < 0x40 && op&7 == 5:
		return d.fetchImm(inst, f, immSize(inst.OperandSize))

	// push/pop seg and the BCD adjusts: no operands.
	case op < 0x40:
		return nil

	case op >= 0x40 && op <= 0x5F: // inc/dec/push/pop reg
		return nil

	case op == 0x60 || op == 0x61: // pusha/popa
		return nil

	case op == 0x68: // push imm
		return d.fetchImm(inst, f, immSize(inst.OperandSize))

	case op == 0x69: // imul r, r/m, imm
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		return d.fetchImm(inst, f, immSize(inst.OperandSize))

	case op == 0x6A: // push imm8
		return d.fetchImm(inst, f, 1)

	case op >= 0x6C && op <= 0x6F: // ins/outs
		return nil

	case op == 0x6B: // imul r, r/m, imm8
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		return d.fetchImm(inst, f, 1)

	case op >= 0x70 && op <= 0x7F: // jcc rel8
		return d.fetchImm(inst, f, 1)

	case op >= 0x80 && op <= 0x83: // ALU group imm
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		switch op {
		case 0x80:
			return d.fetchImm(inst, f, 1)
		case 0x81:
			return d.fetchImm(inst, f, immSize(inst.OperandSize))
		default:
			return d.fetchImm(inst, f, 1)
		}

	case op >= 0x84 && op <= 0x8F: // test/xchg/mov/lea/mov sreg/pop rm
		return d.readModRM(inst, f)

	case op >= 0x90 && op <= 0x99: // nop/xchg eAX/cbw/cwd
		return nil

	case op == 0x9A, op == 0xEA: // call/jmp far ptr16:16/32
		off := 2
		if inst.OperandSize != 2 {
			off = 4
		}

		if err := d.fetchImmUnsigned(inst, f, off); err != nil {
			return err
		}
		// Segment selector rides in Disp.
		sel, err := f.imm(2)
		if err != nil {
			return err
		}
		inst.Disp = sel & 0xFFFF

		return nil

	case op == 0x9B: // fwait
		return nil

	case op == 0x9C || op == 0x9D || op == 0x9E || op == 0x9F: // pushf/popf/sahf/lahf
		return nil

	case op >= 0xA0 && op <= 0xA3: // mov moffs
		return d.fetchImmUnsigned(inst, f, inst.AddressSize)

	case op >= 0xA4 && op <= 0xA7: // movs/cmps
		return nil

	case op == 0xA8: // test AL,imm8
		return d.fetchImm(inst, f, 1)

	case op == 0xA9: // test eAX,imm
		return d.fetchImm(inst, f, immSize(inst.OperandSize))

	case op >= 0xAA && op <= 0xAF: // stos/lods/scas
		return nil

	case op >= 0xB0 && op <= 0xB7: // mov r8,imm8
		return d.fetchImm(inst, f, 1)

	case op >= 0xB8 && op <= 0xBF: // mov r,imm (imm64 with REX.W)
		return d.fetchImm(inst, f, inst.OperandSize)

	case op == 0xC0 || op == 0xC1: // shift group imm8
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		return d.fetchImm(inst, f, 1)

	case op == 0xC2: // ret imm16
		return d.fetchImm(inst, f, 2)

	case op == 0xC3: // ret
		return nil

	case op == 0xC6: // mov r/m8, imm8
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		return d.fetchImm(inst, f, 1)

	case op == 0xC7: // mov r/m, imm
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		return d.fetchImm(inst, f, immSize(inst.OperandSize))

	case op == 0xC9: // leave
		return nil

	case op == 0xCA: // retf imm16
		return d.fetchImm(inst, f, 2)

	case op == 0xCB || op == 0xCC: // retf / int3
		return nil

	case op == 0xCD: // int imm8
		return d.fetchImm(inst, f, 1)

	case op == 0xCE || op == 0xCF: // into / iret
		return nil

	case op >= 0xD0 && op <= 0xD3: // shift group
		return d.readModRM(inst, f)

	case op >= 0xD8 && op <= 0xDF: // x87 escape
		return d.readModRM(inst, f)

	case op >= 0xE0 && op <= 0xE3: // loopnz/loopz/loop/jcxz
		return d.fetchImm(inst, f, 1)

	case op >= 0xE4 && op <= 0xE7: // in/out imm8
		return d.fetchImm(inst, f, 1)

	case op == 0xE8 || op == 0xE9: // call/jmp rel
		if inst.OperandSize == 2 {
			return d.fetchImm(inst, f, 2)
		}

		return d.fetchImm(inst, f, 4)

	case op == 0xEB: // jmp rel8
		return d.fetchImm(inst, f, 1)

	case op >= 0xEC && op <= 0xEF: // in/out DX
		return nil

	case op == 0xF4 || op == 0xF5: // hlt / cmc
		return nil

	case op == 0xF6: // group3 r/m8
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		if inst.Reg()&7 <= 1 { // TEST imm8
			return d.fetchImm(inst, f, 1)
		}

		return nil

	case op == 0xF7: // group3 r/m
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		if inst.Reg()&7 <= 1 { // TEST imm
			return d.fetchImm(inst, f, immSize(inst.OperandSize))
		}

		return nil

	case op >= 0xF8 && op <= 0xFD: // clc/stc/cli/sti/cld/std
		return nil

	case op == 0xFE || op == 0xFF: // group4/5
		return d.readModRM(inst, f)
	}

	return errUD(op)
}

func (d *Decoder) decode0F(inst *DecodedInst, f *fetcher, op uint8) error {
	switch {
	case op == 0x00 || op == 0x01: // lgdt/lidt/sgdt/sidt/lmsw group
		return d.readModRM(inst, f)

	case op == 0x06 || op == 0x08 || op == 0x09: // clts/invd/wbinvd
		return nil

	case op == 0x1F: // multi-byte NOP
		return d.readModRM(inst, f)

	case op >= 0x20 && op <= 0x23: // mov cr/dr
		return d.readModRM(inst, f)

	case op == 0x30 || op == 0x31 || op == 0x32: // wrmsr/rdtsc/rdmsr
		return nil

	case op >= 0x40 && op <= 0x4F: // cmovcc
		return d.readModRM(inst, f)

	case op >= 0x80 && op <= 0x8F: // jcc rel16/32
		if inst.OperandSize == 2 {
			return d.fetchImm(inst, f, 2)
		}

		return d.fetchImm(inst, f, 4)

	case op >= 0x90 && op <= 0x9F: // setcc
		return d.readModRM(inst, f)

	case op == 0xA0 || op == 0xA1 || op == 0xA8 || op == 0xA9: // push/pop fs/gs
		return nil

	case op == 0xA2: // cpuid
		return nil

	case op == 0xA3 || op == 0xAB || op == 0xB3 || op == 0xBB: // bt/bts/btr/btc
		return d.readModRM(inst, f)

	case op == 0xAF: // imul r, r/m
		return d.readModRM(inst, f)

	case op == 0xB0 || op == 0xB1: // cmpxchg
		return d.readModRM(inst, f)

	case op == 0xB6 || op == 0xB7 || op == 0xBE || op == 0xBF: // movzx/movsx
		return d.readModRM(inst, f)

	case op == 0xBA: // bt group imm8
		if err := d.readModRM(inst, f); err != nil {
			return err
		}

		return d.fetchImm(inst, f, 1)

	case op == 0xC0 || op == 0xC1: // xadd
		return d.readModRM(inst, f)

	case op >= 0xC8 && op <= 0xCF: // bswap
		return nil
	}

	return errUD(op)
}

func (d *Decoder) fetchImm(inst *DecodedInst, f *fetcher, bytes int) error {
	v, err := f.imm(bytes)
	if err != nil {
		return err
	}

	inst.Imm = v

	return nil
}

// fetchImmUnsigned reads an immediate without sign extension (moffs,
// far-pointer offsets).
func (d *Decoder) fetchImmUnsigned(inst *DecodedInst, f *fetcher, bytes int) error {
	var v uint64

	for i := 0; i < bytes; i++ {
		b, err := f.next()
		if err != nil {
			return err
		}

		v |= uint64(b) << (8 * i)
	}

	inst.Imm = int64(v)

	return nil
}
