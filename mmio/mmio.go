// Package mmio keeps the raw register-access discipline in one place.
//
// Every access goes through a Device so that register reads and writes keep
// their side effects (an ICR read clears pending bits, a tail write starts a
// DMA transfer). Values are never cached between accesses.
package mmio

// Device is a memory-mapped hardware model. Offsets are relative to the
// device's BAR; size is 1, 2, 4 or 8 bytes.
type Device interface {
	ReadRegister(offset uint64, size int) uint64
	WriteRegister(offset uint64, size int, value uint64)
}

// Region is a window onto a Device starting at a fixed offset. Drivers hold
// a Region and address registers by their documented BAR offsets.
type Region struct {
	dev  Device
	base uint64
}

func NewRegion(dev Device, base uint64) *Region {
	return &Region{dev: dev, base: base}
}

func (r *Region) Read8(off uint64) uint8 {
	return uint8(r.dev.ReadRegister(r.base+off, 1))
}

func (r *Region) Read16(off uint64) uint16 {
	return uint16(r.dev.ReadRegister(r.base+off, 2))
}

func (r *Region) Read32(off uint64) uint32 {
	return uint32(r.dev.ReadRegister(r.base+off, 4))
}

func (r *Region) Read64(off uint64) uint64 {
	return r.dev.ReadRegister(r.base+off, 8)
}

func (r *Region) Write8(off uint64, v uint8) {
	r.dev.WriteRegister(r.base+off, 1, uint64(v))
}

func (r *Region) Write16(off uint64, v uint16) {
	r.dev.WriteRegister(r.base+off, 2, uint64(v))
}

func (r *Region) Write32(off uint64, v uint32) {
	r.dev.WriteRegister(r.base+off, 4, uint64(v))
}

func (r *Region) Write64(off uint64, v uint64) {
	r.dev.WriteRegister(r.base+off, 8, v)
}
