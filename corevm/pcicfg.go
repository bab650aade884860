package corevm

import "encoding/binary"

// PCI Configuration Space Access Mechanism #1: an address register at
// 0xCF8 selects bus/device/function/offset, data moves through
// 0xCFC-0xCFF. The model exposes a host bridge at 00:00.0 so firmware
// bus scans terminate cleanly.
type pciAddress uint32

func (a pciAddress) registerOffset() uint32 {
	return uint32(a) & 0xFC
}

func (a pciAddress) functionNumber() uint32 {
	return uint32(a) >> 8 & 0x7
}

func (a pciAddress) deviceNumber() uint32 {
	return uint32(a) >> 11 & 0x1F
}

func (a pciAddress) busNumber() uint32 {
	return uint32(a) >> 16 & 0xFF
}

func (a pciAddress) enabled() bool {
	return uint32(a)>>31 == 1
}

// PciDeviceHeader is the type-0 configuration header image.
type PciDeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	ClassCode     [3]uint8
	HeaderType    uint8
	SubsystemID   uint16
	BAR           [6]uint32
	InterruptPin  uint8
	InterruptLine uint8
}

func (h *PciDeviceHeader) bytes() []byte {
	buf := make([]byte, 256)

	binary.LittleEndian.PutUint16(buf[0x00:], h.VendorID)
	binary.LittleEndian.PutUint16(buf[0x02:], h.DeviceID)
	binary.LittleEndian.PutUint16(buf[0x04:], h.Command)
	binary.LittleEndian.PutUint16(buf[0x06:], h.Status)
	buf[0x09] = h.ClassCode[0]
	buf[0x0A] = h.ClassCode[1]
	buf[0x0B] = h.ClassCode[2]
	buf[0x0E] = h.HeaderType

	for i, bar := range h.BAR {
		binary.LittleEndian.PutUint32(buf[0x10+i*4:], bar)
	}

	binary.LittleEndian.PutUint16(buf[0x2E:], h.SubsystemID)
	buf[0x3C] = h.InterruptLine
	buf[0x3D] = h.InterruptPin

	return buf
}

// PciBus holds the functions visible on bus 0.
type PciBus struct {
	addr    pciAddress
	devices map[uint32]*PciDeviceHeader
}

// NewPciBus creates the bus with the 00:00.0 host bridge.
func NewPciBus() *PciBus {
	return &PciBus{
		devices: map[uint32]*PciDeviceHeader{
			0: {
				VendorID:  0x8086,
				DeviceID:  0x1237, // 440FX host bridge
				ClassCode: [3]uint8{0, 0, 6},
			},
		},
	}
}

// AddDevice attaches a function at the given device number on bus 0.
func (p *PciBus) AddDevice(devNum uint32, h *PciDeviceHeader) {
	p.devices[devNum] = h
}

func (p *PciBus) PortIn(port uint16, size int) uint32 {
	switch {
	case port == 0xCF8:
		return uint32(p.addr)

	case port >= 0xCFC && port <= 0xCFF:
		// All-ones at the access width.
		ones := uint32(0xFFFF_FFFF)
		if size < 4 {
			ones = 1<<(8*size) - 1
		}

		if !p.addr.enabled() || p.addr.busNumber() != 0 || p.addr.functionNumber() != 0 {
			return ones
		}

		dev, ok := p.devices[p.addr.deviceNumber()]
		if !ok {
			// No function: all-ones terminates the scan.
			return ones
		}

		cfg := dev.bytes()
		off := int(p.addr.registerOffset()) + int(port-0xCFC)

		var v uint32
		for i := 0; i < size && off+i < len(cfg); i++ {
			v |= uint32(cfg[off+i]) << (8 * i)
		}

		return v
	}

	return 0xFFFF_FFFF
}

func (p *PciBus) PortOut(port uint16, size int, v uint32) {
	switch {
	case port == 0xCF8 && size == 4:
		p.addr = pciAddress(v)

	case port >= 0xCFC && port <= 0xCFF:
		if !p.addr.enabled() {
			return
		}

		dev, ok := p.devices[p.addr.deviceNumber()]
		if !ok {
			return
		}

		// Only the command register is writable in this model.
		if p.addr.registerOffset() == 0x04 {
			dev.Command = uint16(v)
		}
	}
}
