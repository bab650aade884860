package corevm

// Vga models text mode 3 (80x25 at 0xB8000) and mode 13h graphics
// (320x200x8 at 0xA0000). The legacy window 0xA0000..0xC0000 is claimed
// as an MMIO region so writes can be counted for diagnostics.
type Vga struct {
	// vram backs the legacy window: 128 KiB at 0xA0000.
	vram [0x20000]byte

	// Port state.
	miscOutput uint8
	crtcIndex  uint8
	crtc       [0x19]uint8
	seqIndex   uint8
	seq        [5]uint8
	attrIndex  uint8
	attrFlip   bool
	dacIndex   uint8
	dacSub     uint8
	palette    [256][3]uint8

	graphicsMode bool

	// Write counters for the debug surface.
	totalWrites uint64
	textWrites  uint64
}

const (
	vgaWindowStart = 0xA0000
	vgaWindowEnd   = 0xC0000

	textBase = 0xB8000 - vgaWindowStart
	gfxBase  = 0xA0000 - vgaWindowStart
)

func NewVga() *Vga {
	return &Vga{}
}

// ReadRegister / WriteRegister implement the legacy memory window.
func (v *Vga) ReadRegister(offset uint64, size int) uint64 {
	var out uint64

	for i := 0; i < size; i++ {
		if offset+uint64(i) < uint64(len(v.vram)) {
			out |= uint64(v.vram[offset+uint64(i)]) << (8 * i)
		}
	}

	return out
}

func (v *Vga) WriteRegister(offset uint64, size int, value uint64) {
	v.totalWrites++

	if offset >= textBase && offset < textBase+80*25*2 {
		v.textWrites++
	}

	for i := 0; i < size; i++ {
		if offset+uint64(i) < uint64(len(v.vram)) {
			v.vram[offset+uint64(i)] = byte(value >> (8 * i))
		}
	}
}

// TextBuffer returns the 80x25 cell words when in text mode.
func (v *Vga) TextBuffer() ([]uint16, bool) {
	if v.graphicsMode {
		return nil, false
	}

	cells := make([]uint16, 80*25)
	for i := range cells {
		cells[i] = uint16(v.vram[textBase+i*2]) | uint16(v.vram[textBase+i*2+1])<<8
	}

	return cells, true
}

// Framebuffer returns the graphics scanout and its geometry.
func (v *Vga) Framebuffer() (fb []byte, w, h, bpp uint32, ok bool) {
	if !v.graphicsMode {
		return nil, 0, 0, 0, false
	}

	return v.vram[gfxBase : gfxBase+320*200], 320, 200, 8, true
}

// Palette returns a DAC entry scaled to 8-bit channels.
func (v *Vga) Palette(idx uint8) (r, g, b uint8) {
	e := v.palette[idx]

	return e[0] << 2, e[1] << 2, e[2] << 2
}

// DebugCounters reports (total MMIO writes, text-region writes).
func (v *Vga) DebugCounters() (uint64, uint64) {
	return v.totalWrites, v.textWrites
}

func (v *Vga) PortIn(port uint16, _ int) uint32 {
	switch port {
	case 0x3C2:
		return uint32(v.miscOutput)
	case 0x3C4:
		return uint32(v.seqIndex)
	case 0x3C5:
		if v.seqIndex < uint8(len(v.seq)) {
			return uint32(v.seq[v.seqIndex])
		}
	case 0x3D4:
		return uint32(v.crtcIndex)
	case 0x3D5:
		if v.crtcIndex < uint8(len(v.crtc)) {
			return uint32(v.crtc[v.crtcIndex])
		}
	case 0x3DA:
		// Input status 1: toggling retrace bits; reading resets the
		// attribute flip-flop.
		v.attrFlip = false

		return 0x09
	}

	return 0
}

func (v *Vga) PortOut(port uint16, _ int, val uint32) {
	b := uint8(val)

	switch port {
	case 0x3C0:
		if !v.attrFlip {
			v.attrIndex = b
		}
		v.attrFlip = !v.attrFlip

	case 0x3C2:
		v.miscOutput = b

	case 0x3C4:
		v.seqIndex = b

	case 0x3C5:
		if v.seqIndex < uint8(len(v.seq)) {
			v.seq[v.seqIndex] = b
		}
		// Sequencer memory-mode chain-4 implies mode 13h.
		if v.seqIndex == 4 {
			v.graphicsMode = b&0x08 != 0
		}

	case 0x3C8:
		v.dacIndex = b
		v.dacSub = 0

	case 0x3C9:
		v.palette[v.dacIndex][v.dacSub] = b & 0x3F
		v.dacSub++
		if v.dacSub == 3 {
			v.dacSub = 0
			v.dacIndex++
		}

	case 0x3D4:
		v.crtcIndex = b

	case 0x3D5:
		if v.crtcIndex < uint8(len(v.crtc)) {
			v.crtc[v.crtcIndex] = b
		}
	}
}
