package corevm

import (
	"encoding/binary"

	"github.com/brianmayclone/anyos-core/mmio"
)

// GuestMemory is the flat physical address space: RAM plus the MMIO
// regions device models claim. Accesses inside an MMIO window are routed
// to the owning device; everything else is bounds-checked RAM.
type GuestMemory struct {
	ram []byte

	regions []mmioRegion
}

type mmioRegion struct {
	start, end uint64
	dev        mmio.Device

	// writes counts stores into the region, for the VGA debug counters.
	writes uint64
}

func NewGuestMemory(size int) *GuestMemory {
	return &GuestMemory{ram: make([]byte, size)}
}

// Size returns the RAM size in bytes.
func (m *GuestMemory) Size() uint64 {
	return uint64(len(m.ram))
}

// AddMMIORegion claims [start, end) for a device model.
func (m *GuestMemory) AddMMIORegion(start, end uint64, dev mmio.Device) {
	m.regions = append(m.regions, mmioRegion{start: start, end: end, dev: dev})
}

// MMIODiag reports region count and the overall claimed bounds.
func (m *GuestMemory) MMIODiag() (count int, lo, hi uint64) {
	if len(m.regions) == 0 {
		return 0, 0, 0
	}

	lo = ^uint64(0)
	for _, r := range m.regions {
		if r.start < lo {
			lo = r.start
		}
		if r.end > hi {
			hi = r.end
		}
	}

	return len(m.regions), lo, hi
}

func (m *GuestMemory) region(addr uint64) *mmioRegion {
	for i := range m.regions {
		if addr >= m.regions[i].start && addr < m.regions[i].end {
			return &m.regions[i]
		}
	}

	return nil
}

func (m *GuestMemory) ReadU8(addr uint64) (uint8, error) {
	if r := m.region(addr); r != nil {
		return uint8(r.dev.ReadRegister(addr-r.start, 1)), nil
	}

	if addr >= uint64(len(m.ram)) {
		return 0, &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	return m.ram[addr], nil
}

func (m *GuestMemory) ReadU16(addr uint64) (uint16, error) {
	if r := m.region(addr); r != nil {
		return uint16(r.dev.ReadRegister(addr-r.start, 2)), nil
	}

	if addr+2 > uint64(len(m.ram)) {
		return 0, &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	return binary.LittleEndian.Uint16(m.ram[addr:]), nil
}

func (m *GuestMemory) ReadU32(addr uint64) (uint32, error) {
	if r := m.region(addr); r != nil {
		return uint32(r.dev.ReadRegister(addr-r.start, 4)), nil
	}

	if addr+4 > uint64(len(m.ram)) {
		return 0, &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	return binary.LittleEndian.Uint32(m.ram[addr:]), nil
}

func (m *GuestMemory) ReadU64(addr uint64) (uint64, error) {
	if r := m.region(addr); r != nil {
		return r.dev.ReadRegister(addr-r.start, 8), nil
	}

	if addr+8 > uint64(len(m.ram)) {
		return 0, &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	return binary.LittleEndian.Uint64(m.ram[addr:]), nil
}

func (m *GuestMemory) WriteU8(addr uint64, v uint8) error {
	if r := m.region(addr); r != nil {
		r.writes++
		r.dev.WriteRegister(addr-r.start, 1, uint64(v))

		return nil
	}

	if addr >= uint64(len(m.ram)) {
		return &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	m.ram[addr] = v

	return nil
}

func (m *GuestMemory) WriteU16(addr uint64, v uint16) error {
	if r := m.region(addr); r != nil {
		r.writes++
		r.dev.WriteRegister(addr-r.start, 2, uint64(v))

		return nil
	}

	if addr+2 > uint64(len(m.ram)) {
		return &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	binary.LittleEndian.PutUint16(m.ram[addr:], v)

	return nil
}

func (m *GuestMemory) WriteU32(addr uint64, v uint32) error {
	if r := m.region(addr); r != nil {
		r.writes++
		r.dev.WriteRegister(addr-r.start, 4, uint64(v))

		return nil
	}

	if addr+4 > uint64(len(m.ram)) {
		return &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	binary.LittleEndian.PutUint32(m.ram[addr:], v)

	return nil
}

func (m *GuestMemory) WriteU64(addr uint64, v uint64) error {
	if r := m.region(addr); r != nil {
		r.writes++
		r.dev.WriteRegister(addr-r.start, 8, v)

		return nil
	}

	if addr+8 > uint64(len(m.ram)) {
		return &VMError{Kind: ErrBadPhysAddress, Address: addr}
	}

	binary.LittleEndian.PutUint64(m.ram[addr:], v)

	return nil
}

// LoadBinary copies bytes into RAM at a physical address, truncating at
// the RAM boundary.
func (m *GuestMemory) LoadBinary(phys uint64, data []byte) {
	if phys >= uint64(len(m.ram)) {
		return
	}

	copy(m.ram[phys:], data)
}

// RAM exposes the raw backing slice for bulk readers (VGA scanout).
func (m *GuestMemory) RAM() []byte {
	return m.ram
}
