package corevm

// pic models one 8259A. Initialization command words arrive on the
// command/data ports; after init the data port carries the mask.
type pic struct {
	irr, isr, imr uint8
	vectorBase    uint8

	initState int // 0 = ready, 1..3 = awaiting ICW2..ICW4
	icw4Needed bool
	readISR    bool
}

func (p *pic) commandWrite(v uint8) {
	switch {
	case v&0x10 != 0: // ICW1
		p.initState = 1
		p.icw4Needed = v&1 != 0
		p.imr = 0
		p.isr = 0
	case v == 0x20: // non-specific EOI
		for i := 0; i < 8; i++ {
			if p.isr&(1<<i) != 0 {
				p.isr &^= 1 << i

				break
			}
		}
	case v&0xF8 == 0x60: // specific EOI
		p.isr &^= 1 << (v & 7)
	case v == 0x0A:
		p.readISR = false
	case v == 0x0B:
		p.readISR = true
	}
}

func (p *pic) dataWrite(v uint8) {
	switch p.initState {
	case 1: // ICW2: vector base
		p.vectorBase = v & 0xF8
		p.initState = 2
	case 2: // ICW3
		if p.icw4Needed {
			p.initState = 3
		} else {
			p.initState = 0
		}
	case 3: // ICW4
		p.initState = 0
	default: // OCW1: mask
		p.imr = v
	}
}

func (p *pic) dataRead() uint8 {
	return p.imr
}

func (p *pic) commandRead() uint8 {
	if p.readISR {
		return p.isr
	}

	return p.irr
}

// pending returns the highest-priority unmasked requested line.
func (p *pic) pending() (uint8, bool) {
	avail := p.irr &^ p.imr
	for i := uint8(0); i < 8; i++ {
		if avail&(1<<i) != 0 {
			return i, true
		}
	}

	return 0, false
}

// GateType of an IDT entry.
type GateType uint8

const (
	GateTask        GateType = 0x5
	GateInterrupt16 GateType = 0x6
	GateTrap16      GateType = 0x7
	GateInterrupt32 GateType = 0xE
	GateTrap32      GateType = 0xF
	GateInterrupt64 GateType = 0xE
	GateTrap64      GateType = 0xF
)

// IDTEntry is a decoded protected/long mode gate.
type IDTEntry struct {
	Selector uint16
	Offset   uint64
	Present  bool
	DPL      uint8
	Gate     GateType
}

// InterruptController is the interrupt side of the machine: cascaded
// 8259 PICs, the one-instruction interrupt shadow after STI/MOV SS, and
// the double-fault re-entry flag.
type InterruptController struct {
	master, slave pic

	// InterruptShadow inhibits interrupts for exactly one instruction.
	InterruptShadow bool

	// HandlingException detects exception-delivery re-entry; a second
	// fault while set becomes a double fault.
	HandlingException bool
}

func NewInterruptController() *InterruptController {
	ic := &InterruptController{}
	// Pre-init defaults matching the BIOS convention.
	ic.master.vectorBase = 0x08
	ic.slave.vectorBase = 0x70

	return ic
}

// RaiseIRQ requests a line (0..15).
func (ic *InterruptController) RaiseIRQ(line uint8) {
	if line < 8 {
		ic.master.irr |= 1 << line

		return
	}

	ic.slave.irr |= 1 << (line - 8)
	ic.master.irr |= 1 << 2 // cascade
}

// PendingInterrupt returns the vector to deliver, honoring IF and the
// interrupt shadow.
func (ic *InterruptController) PendingInterrupt(rflags uint64) (uint8, bool) {
	if rflags&FlagIF == 0 || ic.InterruptShadow {
		return 0, false
	}

	line, ok := ic.master.pending()
	if !ok {
		return 0, false
	}

	if line == 2 {
		// Cascaded: resolve on the slave.
		sline, ok := ic.slave.pending()
		if !ok {
			ic.master.irr &^= 1 << 2

			return 0, false
		}

		return ic.slave.vectorBase + sline, true
	}

	return ic.master.vectorBase + line, true
}

// Acknowledge moves the delivered line from IRR to ISR.
func (ic *InterruptController) Acknowledge(vector uint8) {
	if vector >= ic.slave.vectorBase && vector < ic.slave.vectorBase+8 {
		line := vector - ic.slave.vectorBase
		ic.slave.irr &^= 1 << line
		ic.slave.isr |= 1 << line
		ic.master.irr &^= 1 << 2

		return
	}

	if vector >= ic.master.vectorBase && vector < ic.master.vectorBase+8 {
		line := vector - ic.master.vectorBase
		ic.master.irr &^= 1 << line
		ic.master.isr |= 1 << line
	}
}

// ReadIDTEntryProtected reads an 8-byte 32-bit gate.
func (ic *InterruptController) ReadIDTEntryProtected(vector uint8, base uint64, limit uint16, mem *GuestMemory) (IDTEntry, error) {
	off := uint64(vector) * 8
	if off+7 > uint64(limit) {
		return IDTEntry{}, errGP(uint32(vector)*8 + 2)
	}

	lo, err := mem.ReadU32(base + off)
	if err != nil {
		return IDTEntry{}, err
	}

	hi, err := mem.ReadU32(base + off + 4)
	if err != nil {
		return IDTEntry{}, err
	}

	return IDTEntry{
		Selector: uint16(lo >> 16),
		Offset:   uint64(lo&0xFFFF) | uint64(hi&0xFFFF_0000),
		Present:  hi&0x8000 != 0,
		DPL:      uint8(hi >> 13 & 3),
		Gate:     GateType(hi >> 8 & 0xF),
	}, nil
}

// ReadIDTEntryLong reads a 16-byte 64-bit gate.
func (ic *InterruptController) ReadIDTEntryLong(vector uint8, base uint64, limit uint16, mem *GuestMemory) (IDTEntry, error) {
	off := uint64(vector) * 16
	if off+15 > uint64(limit) {
		return IDTEntry{}, errGP(uint32(vector)*16 + 2)
	}

	lo, err := mem.ReadU64(base + off)
	if err != nil {
		return IDTEntry{}, err
	}

	hi, err := mem.ReadU64(base + off + 8)
	if err != nil {
		return IDTEntry{}, err
	}

	return IDTEntry{
		Selector: uint16(lo >> 16),
		Offset:   lo&0xFFFF | lo>>32&0xFFFF_0000 | hi<<32,
		Present:  lo&0x8000_0000_0000 != 0,
		DPL:      uint8(lo >> 45 & 3),
		Gate:     GateType(lo >> 40 & 0xF),
	}, nil
}

// PortIn/PortOut implement the PIC's port interface (0x20/0x21 master,
// 0xA0/0xA1 slave).
func (ic *InterruptController) PortIn(port uint16, _ int) uint32 {
	switch port {
	case 0x20:
		return uint32(ic.master.commandRead())
	case 0x21:
		return uint32(ic.master.dataRead())
	case 0xA0:
		return uint32(ic.slave.commandRead())
	case 0xA1:
		return uint32(ic.slave.dataRead())
	}

	return 0xFF
}

func (ic *InterruptController) PortOut(port uint16, _ int, v uint32) {
	switch port {
	case 0x20:
		ic.master.commandWrite(uint8(v))
	case 0x21:
		ic.master.dataWrite(uint8(v))
	case 0xA0:
		ic.slave.commandWrite(uint8(v))
	case 0xA1:
		ic.slave.dataWrite(uint8(v))
	}
}
