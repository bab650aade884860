package corevm

import "encoding/binary"

// FwCfg is the QEMU-style firmware configuration device on ports
// 0x510/0x511: a selector picks an item, data reads stream its bytes.
// Files are exposed through the standard directory item.
const (
	fwCfgSignature uint16 = 0x0000
	fwCfgID        uint16 = 0x0001
	fwCfgFileDir   uint16 = 0x0019
	fwCfgFileFirst uint16 = 0x0020
)

type fwCfgFile struct {
	name string
	data []byte
}

type FwCfg struct {
	files []fwCfgFile

	selected uint16
	pos      int
}

func NewFwCfg() *FwCfg {
	return &FwCfg{}
}

// AddFile registers a named blob. Order assigns the selector keys.
func (f *FwCfg) AddFile(name string, data []byte) {
	blob := make([]byte, len(data))
	copy(blob, data)

	f.files = append(f.files, fwCfgFile{name: name, data: blob})
}

func (f *FwCfg) item(sel uint16) []byte {
	switch sel {
	case fwCfgSignature:
		return []byte("QEMU")

	case fwCfgID:
		return []byte{1, 0, 0, 0}

	case fwCfgFileDir:
		// Big-endian count, then 64-byte entries.
		buf := make([]byte, 4+64*len(f.files))
		binary.BigEndian.PutUint32(buf, uint32(len(f.files)))

		for i, file := range f.files {
			entry := buf[4+64*i:]
			binary.BigEndian.PutUint32(entry[0:], uint32(len(file.data)))
			binary.BigEndian.PutUint16(entry[4:], fwCfgFileFirst+uint16(i))
			copy(entry[8:8+56], file.name)
		}

		return buf
	}

	if sel >= fwCfgFileFirst && int(sel-fwCfgFileFirst) < len(f.files) {
		return f.files[sel-fwCfgFileFirst].data
	}

	return nil
}

func (f *FwCfg) PortIn(port uint16, size int) uint32 {
	if port != 0x511 {
		return 0
	}

	data := f.item(f.selected)

	var v uint32

	for i := 0; i < size; i++ {
		if f.pos < len(data) {
			v |= uint32(data[f.pos]) << (8 * i)
			f.pos++
		}
	}

	return v
}

func (f *FwCfg) PortOut(port uint16, _ int, v uint32) {
	if port == 0x510 {
		f.selected = uint16(v)
		f.pos = 0
	}
}

// MiscPorts covers the small always-present ports: A20 gate at 0x92,
// CMOS at 0x70/0x71, and the 0xCF9 reset port. The POST delay ports
// (0x80/0xED) are not attached to it.
type MiscPorts struct {
	cpu       *Cpu
	cmosIndex uint8

	// ResetRequested is set by a write to 0xCF9.
	ResetRequested bool
}

func NewMiscPorts(cpu *Cpu) *MiscPorts {
	return &MiscPorts{cpu: cpu}
}

func (m *MiscPorts) PortIn(port uint16, _ int) uint32 {
	switch port {
	case 0x92:
		if m.cpu.A20Enabled {
			return 2
		}

		return 0

	case 0x71:
		return m.cmosValue()
	}

	return 0
}

func (m *MiscPorts) PortOut(port uint16, _ int, v uint32) {
	switch port {
	case 0x92:
		m.cpu.A20Enabled = v&2 != 0
	case 0x70:
		m.cmosIndex = uint8(v & 0x7F)
	case 0xCF9:
		if v&0x06 != 0 {
			m.ResetRequested = true
		}
	}
}

func (m *MiscPorts) cmosValue() uint32 {
	switch m.cmosIndex {
	case 0x10: // floppy: none
		return 0
	case 0x14: // equipment
		return 0x04
	case 0x15: // base memory KiB low
		return 640 & 0xFF
	case 0x16:
		return 640 >> 8
	case 0x0A: // status A: no update in progress
		return 0x26
	case 0x0B: // status B: 24h binary
		return 0x02
	}

	return 0
}
