package corevm

import "math"

// FpuState is the x87 stack and word registers. ST(i) addresses relative
// to TOP in the status word.
type FpuState struct {
	ST [8]float64

	// FSW is the status word; C0/C2/C3 live at bits 8, 10 and 14.
	FSW uint16
	// FCW is the control word; reset value masks all exceptions.
	FCW uint16
	// FTW tag word (simplified: empty/valid per slot).
	FTW uint16
}

func NewFpuState() *FpuState {
	return &FpuState{FCW: 0x037F, FTW: 0xFFFF}
}

func (f *FpuState) top() int {
	return int(f.FSW >> 11 & 7)
}

func (f *FpuState) setTop(t int) {
	f.FSW = f.FSW&^uint16(0x3800) | uint16(t&7)<<11
}

// Sti resolves ST(i) to a physical slot.
func (f *FpuState) Sti(i int) *float64 {
	return &f.ST[(f.top()+i)&7]
}

// Push rotates TOP down and stores v at the new ST(0).
func (f *FpuState) Push(v float64) {
	f.setTop(f.top() - 1 & 7)
	*f.Sti(0) = v
}

// Pop discards ST(0).
func (f *FpuState) Pop() float64 {
	v := *f.Sti(0)
	f.setTop(f.top() + 1 & 7)

	return v
}

// FSW condition bits.
const (
	fswC0 uint16 = 1 << 8
	fswC2 uint16 = 1 << 10
	fswC3 uint16 = 1 << 14
)

// compare sets C3/C2/C0 per the x87 encoding: a<b → C0, a>b → none,
// a==b → C3, unordered → all three.
func (f *FpuState) compare(a, b float64) {
	f.FSW &^= fswC0 | fswC2 | fswC3

	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		f.FSW |= fswC0 | fswC2 | fswC3
	case a < b:
		f.FSW |= fswC0
	case a == b:
		f.FSW |= fswC3
	}
}

// execFpu dispatches the D8-DF escape range by the ModRM reg field.
// Unknown encodings advance RIP silently: guest firmware probes FPU
// presence with encodings we do not model, and faulting there wedges the
// boot path.
func (e *execEnv) execFpu(op uint8) error {
	f := e.c.Fpu
	inst := e.inst
	reg := inst.Reg() & 7
	memForm := inst.Mod() != 3

	switch op {
	case 0xD8:
		if memForm {
			v, err := e.fpuLoadF32()
			if err != nil {
				return err
			}

			e.fpuArith(reg, v)

			return nil
		}

		e.fpuArith(reg, *f.Sti(int(inst.ModRM&7)))

		return nil

	case 0xD9:
		if memForm {
			switch reg {
			case 0: // FLD m32
				v, err := e.fpuLoadF32()
				if err != nil {
					return err
				}
				f.Push(v)

				return nil
			case 2: // FST m32
				return e.fpuStoreF32(*f.Sti(0))
			case 3: // FSTP m32
				return e.fpuStoreF32(f.Pop())
			case 5: // FLDCW
				v, err := e.readLinear(e.effAddr(), 2)
				if err != nil {
					return err
				}
				f.FCW = uint16(v)

				return nil
			case 7: // FNSTCW
				return e.writeLinear(e.effAddr(), 2, uint64(f.FCW))
			}

			return nil
		}

		low := inst.ModRM & 7

		switch {
		case inst.ModRM >= 0xC0 && inst.ModRM <= 0xC7: // FLD ST(i)
			f.Push(*f.Sti(int(low)))
		case inst.ModRM >= 0xC8 && inst.ModRM <= 0xCF: // FXCH
			a := f.Sti(0)
			b := f.Sti(int(low))
			*a, *b = *b, *a
		case inst.ModRM == 0xE0: // FCHS
			*f.Sti(0) = -*f.Sti(0)
		case inst.ModRM == 0xE1: // FABS
			*f.Sti(0) = math.Abs(*f.Sti(0))
		case inst.ModRM == 0xE4: // FTST
			f.compare(*f.Sti(0), 0)
		case inst.ModRM == 0xE8: // FLD1
			f.Push(1)
		case inst.ModRM == 0xE9: // FLDL2T
			f.Push(math.Log2(10))
		case inst.ModRM == 0xEA: // FLDL2E
			f.Push(math.Log2(math.E))
		case inst.ModRM == 0xEB: // FLDPI
			f.Push(math.Pi)
		case inst.ModRM == 0xEC: // FLDLG2
			f.Push(math.Log10(2))
		case inst.ModRM == 0xED: // FLDLN2
			f.Push(math.Ln2)
		case inst.ModRM == 0xEE: // FLDZ
			f.Push(0)
		case inst.ModRM == 0xFA: // FSQRT
			*f.Sti(0) = math.Sqrt(*f.Sti(0))
		case inst.ModRM == 0xFC: // FRNDINT
			*f.Sti(0) = math.Round(*f.Sti(0))
		}
		// Unknown D9 register forms fall through silently.

		return nil

	case 0xDA:
		if memForm { // arith m32int
			v, err := e.readLinear(e.effAddr(), 4)
			if err != nil {
				return err
			}

			e.fpuArith(reg, float64(int32(v)))
		}

		return nil

	case 0xDB:
		if memForm {
			switch reg {
			case 0: // FILD m32int
				v, err := e.readLinear(e.effAddr(), 4)
				if err != nil {
					return err
				}
				f.Push(float64(int32(v)))

				return nil
			case 2: // FIST m32int
				return e.fpuStoreI32(*f.Sti(0))
			case 3: // FISTP m32int
				return e.fpuStoreI32(f.Pop())
			}

			return nil
		}

		if inst.ModRM == 0xE3 { // FNINIT
			*f = *NewFpuState()
		}

		return nil

	case 0xDC:
		if memForm { // arith m64
			v, err := e.fpuLoadF64()
			if err != nil {
				return err
			}

			e.fpuArith(reg, v)

			return nil
		}

		// DC C0+i: op ST(i), ST(0), reversed destination.
		e.fpuArithRev(reg, int(inst.ModRM&7))

		return nil

	case 0xDD:
		if memForm {
			switch reg {
			case 0: // FLD m64
				v, err := e.fpuLoadF64()
				if err != nil {
					return err
				}
				f.Push(v)

				return nil
			case 2: // FST m64
				return e.fpuStoreF64(*f.Sti(0))
			case 3: // FSTP m64
				return e.fpuStoreF64(f.Pop())
			case 7: // FNSTSW m16
				return e.writeLinear(e.effAddr(), 2, uint64(f.FSW))
			}

			return nil
		}

		if inst.ModRM >= 0xC0 && inst.ModRM <= 0xC7 { // FFREE
			return nil
		}

		if inst.ModRM >= 0xD8 && inst.ModRM <= 0xDF { // FSTP ST(i)
			*f.Sti(int(inst.ModRM & 7)) = *f.Sti(0)
			f.Pop()
		}

		return nil

	case 0xDE:
		if memForm { // arith m16int
			v, err := e.readLinear(e.effAddr(), 2)
			if err != nil {
				return err
			}

			e.fpuArith(reg, float64(int16(v)))

			return nil
		}

		if inst.ModRM == 0xD9 { // FCOMPP
			a := f.Pop()
			b := *f.Sti(0)
			f.compare(a, b)
			f.Pop()

			return nil
		}

		// DE C0+i: op-and-pop with ST(i) destination.
		e.fpuArithRev(reg, int(inst.ModRM&7))
		f.Pop()

		return nil

	default: // 0xDF
		if memForm {
			switch reg {
			case 0: // FILD m16int
				v, err := e.readLinear(e.effAddr(), 2)
				if err != nil {
					return err
				}
				f.Push(float64(int16(v)))

				return nil
			case 5: // FILD m64int
				v, err := e.readLinear(e.effAddr(), 8)
				if err != nil {
					return err
				}
				f.Push(float64(int64(v)))

				return nil
			case 7: // FISTP m64int
				v := f.Pop()

				return e.writeLinear(e.effAddr(), 8, uint64(int64(v)))
			}

			return nil
		}

		if inst.ModRM == 0xE0 { // FNSTSW AX
			e.writeReg(2, RAX, uint64(f.FSW))
		}

		return nil
	}
}

// fpuArith applies the D8-family operation selected by the reg field to
// ST(0) and the operand.
func (e *execEnv) fpuArith(reg int, v float64) {
	f := e.c.Fpu
	st0 := f.Sti(0)

	switch reg {
	case 0: // FADD
		*st0 += v
	case 1: // FMUL
		*st0 *= v
	case 2: // FCOM
		f.compare(*st0, v)
	case 3: // FCOMP
		f.compare(*st0, v)
		f.Pop()
	case 4: // FSUB
		*st0 -= v
	case 5: // FSUBR
		*st0 = v - *st0
	case 6: // FDIV
		*st0 /= v
	case 7: // FDIVR
		*st0 = v / *st0
	}
}

// fpuArithRev is the DC/DE register form: destination is ST(i).
func (e *execEnv) fpuArithRev(reg, i int) {
	f := e.c.Fpu
	sti := f.Sti(i)
	st0 := *f.Sti(0)

	switch reg {
	case 0:
		*sti += st0
	case 1:
		*sti *= st0
	case 2:
		f.compare(*f.Sti(0), *sti)
	case 3:
		f.compare(*f.Sti(0), *sti)
		f.Pop()
	case 4:
		*sti -= st0
	case 5:
		*sti = st0 - *sti
	case 6:
		*sti /= st0
	case 7:
		*sti = st0 / *sti
	}
}

func (e *execEnv) fpuLoadF32() (float64, error) {
	v, err := e.readLinear(e.effAddr(), 4)
	if err != nil {
		return 0, err
	}

	return float64(math.Float32frombits(uint32(v))), nil
}

func (e *execEnv) fpuStoreF32(v float64) error {
	return e.writeLinear(e.effAddr(), 4, uint64(math.Float32bits(float32(v))))
}

func (e *execEnv) fpuLoadF64() (float64, error) {
	v, err := e.readLinear(e.effAddr(), 8)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(v), nil
}

func (e *execEnv) fpuStoreF64(v float64) error {
	return e.writeLinear(e.effAddr(), 8, math.Float64bits(v))
}

func (e *execEnv) fpuStoreI32(v float64) error {
	return e.writeLinear(e.effAddr(), 4, uint64(uint32(int32(v))))
}
