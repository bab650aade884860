// Package e1000 drives the Intel 82540EM/82545EM NIC: MMIO register
// discipline, one contiguous frame per descriptor ring, IRQ-driven
// receive with a bounded queue, and batched transmit with a single tail
// write.
package e1000

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
	"github.com/brianmayclone/anyos-core/mmio"
)

// Register offsets within BAR0.
const (
	RegCtrl   = 0x0000
	RegStatus = 0x0008
	RegEerd   = 0x0014
	RegIcr    = 0x00C0
	RegIms    = 0x00D0
	RegImc    = 0x00D8
	RegRctl   = 0x0100
	RegTipg   = 0x0410
	RegTctl   = 0x0400
	RegRdbal  = 0x2800
	RegRdbah  = 0x2804
	RegRdlen  = 0x2808
	RegRdh    = 0x2810
	RegRdt    = 0x2818
	RegTdbal  = 0x3800
	RegTdbah  = 0x3804
	RegTdlen  = 0x3808
	RegTdh    = 0x3810
	RegTdt    = 0x3818
	RegMta    = 0x5200
	RegRal0   = 0x5400
	RegRah0   = 0x5404
)

// CTRL bits.
const (
	CtrlSLU uint32 = 1 << 6
	CtrlRST uint32 = 1 << 26
)

// STATUS bits.
const StatusLU uint32 = 1 << 1

// RCTL bits.
const (
	RctlEN        uint32 = 1 << 1
	RctlBAM       uint32 = 1 << 15
	RctlBsize2048 uint32 = 0
	RctlSECRC     uint32 = 1 << 26
)

// TCTL bits.
const (
	TctlEN        uint32 = 1 << 1
	TctlPSP       uint32 = 1 << 3
	TctlCTShift          = 4
	TctlCOLDShift        = 12
)

// ICR bits.
const (
	IcrTXDW uint32 = 1 << 0
	IcrLSC  uint32 = 1 << 2
	IcrRXT0 uint32 = 1 << 7
)

// TX descriptor command/status bits.
const (
	TdescCmdEOP  uint8 = 1 << 0
	TdescCmdIFCS uint8 = 1 << 1
	TdescCmdRS   uint8 = 1 << 3
	TdescStaDD   uint8 = 1 << 0
)

// RX descriptor status bits.
const (
	RdescStaDD  uint8 = 1 << 0
	RdescStaEOP uint8 = 1 << 1
)

const (
	// NumRxDesc and NumTxDesc are sized so each 16-byte descriptor
	// ring fills exactly one physical frame, keeping the whole ring
	// inside one 32-bit DMA base.
	NumRxDesc = 256
	NumTxDesc = 256

	// RxBufferSize matches the RCTL 2048-byte buffer programming.
	RxBufferSize = 2048

	mmioPages = 32

	rxQueueCap = 256
)

var (
	ErrNoDevice    = errors.New("e1000: device not found")
	ErrOutOfMemory = errors.New("e1000: DMA allocation failed")
)

// Stats are the driver counters, updated only under the lock.
type Stats struct {
	RxPackets, TxPackets uint64
	RxBytes, TxBytes     uint64
	RxErrors, TxErrors   uint64
}

// descriptor is the raw 16-byte layout shared with the DMA engine.
type descriptor struct {
	addr    uint64
	length  uint16
	cso     uint8 // checksum offset (RX: checksum low half)
	cmd     uint8 // command (RX: checksum high half)
	status  uint8
	errs    uint8
	special uint16
}

func (d *descriptor) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], d.addr)
	binary.LittleEndian.PutUint16(buf[8:], d.length)
	buf[10] = d.cso
	buf[11] = d.cmd
	buf[12] = d.status
	buf[13] = d.errs
	binary.LittleEndian.PutUint16(buf[14:], d.special)
}

func decodeDescriptor(buf []byte) descriptor {
	return descriptor{
		addr:    binary.LittleEndian.Uint64(buf[0:]),
		length:  binary.LittleEndian.Uint16(buf[8:]),
		cso:     buf[10],
		cmd:     buf[11],
		status:  buf[12],
		errs:    buf[13],
		special: binary.LittleEndian.Uint16(buf[14:]),
	}
}

// Driver is the E1000 state. All ring cursors and descriptor mutations
// are guarded by mu; hardware status-bit polls are plain reads.
type Driver struct {
	mu sync.Mutex

	mm   *mem.Manager
	regs *mmio.Region

	mac [6]byte
	irq uint8

	rxDescs mem.PhysAddr
	txDescs mem.PhysAddr
	rxBufs  [NumRxDesc]mem.PhysAddr
	txBufs  [NumTxDesc]mem.PhysAddr

	rxTail uint16
	txTail uint16

	rxQueue [][]byte

	stats Stats
}

// New binds the driver to a NIC behind an MMIO device: maps BAR0 into
// kernel VA space, resets the chip, reads the MAC, and sets up both
// descriptor rings. Allocation failure aborts with a log.
func New(mm *mem.Manager, dev mmio.Device, bar0 mem.PhysAddr, irq uint8) (*Driver, error) {
	// The VA window is whatever the allocator picks; nothing may rely
	// on its value.
	_ = mm.MapMMIO(bar0, mmioPages)

	d := &Driver{
		mm:   mm,
		regs: mmio.NewRegion(dev, 0),
		irq:  irq,
	}

	// Device reset, then link up.
	ctrl := d.regs.Read32(RegCtrl)
	d.regs.Write32(RegCtrl, ctrl|CtrlRST)

	for i := 0; i < 100_000; i++ {
		if d.regs.Read32(RegCtrl)&CtrlRST == 0 {
			break
		}
	}

	ctrl = d.regs.Read32(RegCtrl)
	d.regs.Write32(RegCtrl, ctrl&^CtrlRST|CtrlSLU)

	// MAC from RAL0/RAH0.
	ral := d.regs.Read32(RegRal0)
	rah := d.regs.Read32(RegRah0)
	d.mac = [6]byte{
		byte(ral), byte(ral >> 8), byte(ral >> 16), byte(ral >> 24),
		byte(rah), byte(rah >> 8),
	}

	// Clear the multicast table.
	for i := uint64(0); i < 128; i++ {
		d.regs.Write32(RegMta+i*4, 0)
	}

	// Mask and clear interrupts during setup.
	d.regs.Write32(RegImc, 0xFFFF_FFFF)
	d.regs.Read32(RegIcr)

	if err := d.setupRings(); err != nil {
		klog.Printf("  E1000: %v", err)

		return nil, err
	}

	// IPG: IPGT=10, IPGR1=8, IPGR2=6.
	d.regs.Write32(RegTipg, 10|8<<10|6<<20)

	d.regs.Write32(RegRctl, RctlEN|RctlBAM|RctlBsize2048|RctlSECRC)
	d.regs.Write32(RegTctl, TctlEN|TctlPSP|15<<TctlCTShift|64<<TctlCOLDShift)

	// Enable the interrupts we service.
	d.regs.Read32(RegIcr)
	d.regs.Write32(RegIms, IcrRXT0|IcrLSC|IcrTXDW)

	klog.Printf("[OK] E1000 NIC initialized (%d RX + %d TX descriptors)", NumRxDesc, NumTxDesc)

	return d, nil
}

func (d *Driver) setupRings() error {
	// RX ring: one contiguous frame of descriptors plus one DMA frame
	// per buffer. Buffers live in the identity-mapped low region, so
	// virt == phys for DMA.
	rxRing, err := d.mm.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}
	d.rxDescs = rxRing

	for i := 0; i < NumRxDesc; i++ {
		buf, err := d.mm.AllocFrame()
		if err != nil {
			return ErrOutOfMemory
		}

		d.rxBufs[i] = buf
		d.writeDesc(rxRing, i, descriptor{addr: uint64(buf)})
	}

	txRing, err := d.mm.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}
	d.txDescs = txRing

	for i := 0; i < NumTxDesc; i++ {
		buf, err := d.mm.AllocFrame()
		if err != nil {
			return ErrOutOfMemory
		}

		d.txBufs[i] = buf
		// DD set: available for software.
		d.writeDesc(txRing, i, descriptor{addr: uint64(buf), status: TdescStaDD})
	}

	d.regs.Write32(RegRdbal, uint32(rxRing))
	d.regs.Write32(RegRdbah, 0)
	d.regs.Write32(RegRdlen, NumRxDesc*16)
	d.regs.Write32(RegRdh, 0)
	d.regs.Write32(RegRdt, NumRxDesc-1)
	d.rxTail = NumRxDesc - 1

	d.regs.Write32(RegTdbal, uint32(txRing))
	d.regs.Write32(RegTdbah, 0)
	d.regs.Write32(RegTdlen, NumTxDesc*16)
	d.regs.Write32(RegTdh, 0)
	d.regs.Write32(RegTdt, 0)
	d.txTail = 0

	return nil
}

func (d *Driver) readDesc(ring mem.PhysAddr, idx int) descriptor {
	var buf [16]byte
	d.mm.ReadPhys(ring+mem.PhysAddr(idx*16), buf[:])

	return decodeDescriptor(buf[:])
}

func (d *Driver) writeDesc(ring mem.PhysAddr, idx int, desc descriptor) {
	var buf [16]byte
	desc.encode(buf[:])
	d.mm.WritePhys(ring+mem.PhysAddr(idx*16), buf[:])
}

// MAC returns the station address read at init.
func (d *Driver) MAC() [6]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mac
}

// IsLinkUp polls the STATUS register.
func (d *Driver) IsLinkUp() bool {
	return d.regs.Read32(RegStatus)&StatusLU != 0
}

// SetEnabled toggles RX and TX.
func (d *Driver) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rctl := d.regs.Read32(RegRctl)
	tctl := d.regs.Read32(RegTctl)

	if enabled {
		d.regs.Write32(RegRctl, rctl|RctlEN)
		d.regs.Write32(RegTctl, tctl|TctlEN)
	} else {
		d.regs.Write32(RegRctl, rctl&^RctlEN)
		d.regs.Write32(RegTctl, tctl&^TctlEN)
	}
}

// IsEnabled reports the receiver state.
func (d *Driver) IsEnabled() bool {
	return d.regs.Read32(RegRctl)&RctlEN != 0
}

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

// Transmit queues one Ethernet frame. Returns false when the frame is
// oversized or the ring is full (the caller may retry or drop).
func (d *Driver) Transmit(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.transmitLocked(frame) {
		return false
	}

	d.regs.Write32(RegTdt, uint32(d.txTail))

	return true
}

// TransmitBatch queues many frames with a single tail-register write at
// the end, amortizing the MMIO barrier. Returns how many were queued.
func (d *Driver) TransmitBatch(frames [][]byte) int {
	if len(frames) == 0 {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	queued := 0

	for _, frame := range frames {
		if !d.transmitLocked(frame) {
			break
		}

		queued++
	}

	if queued > 0 {
		d.regs.Write32(RegTdt, uint32(d.txTail))
	}

	return queued
}

func (d *Driver) transmitLocked(frame []byte) bool {
	if len(frame) == 0 || len(frame) > RxBufferSize {
		return false
	}

	idx := int(d.txTail)
	desc := d.readDesc(d.txDescs, idx)

	// Never touch a descriptor the NIC has not released.
	if desc.status&TdescStaDD == 0 {
		return false
	}

	d.mm.WritePhys(d.txBufs[idx], frame)

	desc.length = uint16(len(frame))
	desc.cmd = TdescCmdEOP | TdescCmdIFCS | TdescCmdRS
	desc.status = 0
	d.writeDesc(d.txDescs, idx, desc)

	d.stats.TxPackets++
	d.stats.TxBytes += uint64(len(frame))

	d.txTail = uint16((idx + 1) % NumTxDesc)

	return true
}

// RecvPacket dequeues one received frame, nil when empty.
func (d *Driver) RecvPacket() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.rxQueue) == 0 {
		return nil
	}

	pkt := d.rxQueue[0]
	d.rxQueue = d.rxQueue[1:]

	return pkt
}

// PollRx processes completed RX descriptors outside interrupt context.
func (d *Driver) PollRx() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.processRxRing()
}

func (d *Driver) processRxRing() {
	for {
		idx := (int(d.rxTail) + 1) % NumRxDesc
		desc := d.readDesc(d.rxDescs, idx)

		if desc.status&RdescStaDD == 0 {
			return
		}

		length := int(desc.length)

		if length > 0 && length <= RxBufferSize && desc.status&RdescStaEOP != 0 {
			pkt := make([]byte, length)
			d.mm.ReadPhys(d.rxBufs[idx], pkt)

			d.stats.RxPackets++
			d.stats.RxBytes += uint64(length)

			// Backpressure: drop beyond the queue cap.
			if len(d.rxQueue) < rxQueueCap {
				d.rxQueue = append(d.rxQueue, pkt)
			}
		} else if length > 0 {
			d.stats.RxErrors++
		}

		desc.status = 0
		d.writeDesc(d.rxDescs, idx, desc)

		d.rxTail = uint16(idx)
		d.regs.Write32(RegRdt, uint32(d.rxTail))
	}
}

// HandleIRQ is the interrupt entry. Reading ICR acknowledges the causes.
// A failed try-lock returns without touching state: the interrupted
// holder finishes first.
func (d *Driver) HandleIRQ() {
	if !d.mu.TryLock() {
		return
	}
	defer d.mu.Unlock()

	icr := d.regs.Read32(RegIcr)

	if icr&IcrLSC != 0 {
		state := "DOWN"
		if d.regs.Read32(RegStatus)&StatusLU != 0 {
			state = "UP"
		}

		klog.Printf("  E1000: link status changed: %s", state)
	}

	if icr&IcrRXT0 != 0 {
		d.processRxRing()
	}
}

// NetworkDriver is the table the network subsystem registers boot-chosen
// drivers under.
type NetworkDriver interface {
	Name() string
	Transmit(frame []byte) bool
	MAC() [6]byte
	LinkUp() bool
}

// netDriver adapts Driver to the registration table.
type netDriver struct {
	d *Driver
}

// AsNetworkDriver wraps the driver for subsystem registration.
func AsNetworkDriver(d *Driver) NetworkDriver {
	return &netDriver{d: d}
}

func (n *netDriver) Name() string               { return "Intel E1000" }
func (n *netDriver) Transmit(frame []byte) bool { return n.d.Transmit(frame) }
func (n *netDriver) MAC() [6]byte               { return n.d.MAC() }
func (n *netDriver) LinkUp() bool               { return n.d.IsLinkUp() }
