package e1000_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/brianmayclone/anyos-core/e1000"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
)

// modelNIC emulates the 82540EM register file and DMA engine against the
// same physical memory the driver allocates from. Completion is manual so
// tests control when the hardware "catches up".
type modelNIC struct {
	mm *mem.Manager

	ctrl, rctl, tctl uint32
	ims, icr         uint32
	linkUp           bool

	rdbal, tdbal uint32
	rdh, tdh     uint32
	rdt, tdt     uint32

	tdtWrites int
	pending   int
	sent      [][]byte

	mac [6]byte
}

func (n *modelNIC) ReadRegister(off uint64, _ int) uint64 {
	switch off {
	case e1000.RegCtrl:
		// Reset completes instantly.
		return uint64(n.ctrl &^ e1000.CtrlRST)
	case e1000.RegStatus:
		if n.linkUp {
			return uint64(e1000.StatusLU)
		}

		return 0
	case e1000.RegIcr:
		// Read clears.
		v := n.icr
		n.icr = 0

		return uint64(v)
	case e1000.RegRctl:
		return uint64(n.rctl)
	case e1000.RegTctl:
		return uint64(n.tctl)
	case e1000.RegRal0:
		return uint64(binary.LittleEndian.Uint32(n.mac[0:4]))
	case e1000.RegRah0:
		return uint64(uint32(n.mac[4]) | uint32(n.mac[5])<<8)
	case e1000.RegTdt:
		return uint64(n.tdt)
	case e1000.RegRdt:
		return uint64(n.rdt)
	}

	return 0
}

func (n *modelNIC) WriteRegister(off uint64, _ int, v uint64) {
	val := uint32(v)

	switch off {
	case e1000.RegCtrl:
		n.ctrl = val
	case e1000.RegRctl:
		n.rctl = val
	case e1000.RegTctl:
		n.tctl = val
	case e1000.RegIms:
		n.ims = val
	case e1000.RegRdbal:
		n.rdbal = val
	case e1000.RegTdbal:
		n.tdbal = val
	case e1000.RegRdh:
		n.rdh = val
	case e1000.RegRdt:
		n.rdt = val
	case e1000.RegTdh:
		n.tdh = val
	case e1000.RegTdt:
		n.tdtWrites++
		n.pending += int((val - n.tdt + e1000.NumTxDesc) % e1000.NumTxDesc)
		n.tdt = val
	}
}

func (n *modelNIC) desc(ring uint32, idx uint32) []byte {
	buf := make([]byte, 16)
	n.mm.ReadPhys(mem.PhysAddr(ring)+mem.PhysAddr(idx*16), buf)

	return buf
}

// completeTx consumes up to max pending TX descriptors: copies the
// frames out and hands the descriptors back with DD set.
func (n *modelNIC) completeTx(max int) {
	for done := 0; n.pending > 0 && done < max; done++ {
		n.pending--
		raw := n.desc(n.tdbal, n.tdh)

		addr := binary.LittleEndian.Uint64(raw[0:])
		length := binary.LittleEndian.Uint16(raw[8:])

		frame := make([]byte, length)
		n.mm.ReadPhys(mem.PhysAddr(addr), frame)
		n.sent = append(n.sent, frame)

		raw[12] |= e1000.TdescStaDD
		n.mm.WritePhys(mem.PhysAddr(n.tdbal)+mem.PhysAddr(n.tdh*16), raw)

		n.tdh = (n.tdh + 1) % e1000.NumTxDesc
	}

	n.icr |= e1000.IcrTXDW
}

// injectFrame delivers one frame into the next RX descriptor and raises
// the receive-timer interrupt cause.
func (n *modelNIC) injectFrame(frame []byte) {
	raw := n.desc(n.rdbal, n.rdh)
	addr := binary.LittleEndian.Uint64(raw[0:])

	n.mm.WritePhys(mem.PhysAddr(addr), frame)

	binary.LittleEndian.PutUint16(raw[8:], uint16(len(frame)))
	raw[12] = e1000.RdescStaDD | e1000.RdescStaEOP
	n.mm.WritePhys(mem.PhysAddr(n.rdbal)+mem.PhysAddr(n.rdh*16), raw)

	n.rdh = (n.rdh + 1) % e1000.NumRxDesc
	n.icr |= e1000.IcrRXT0
}

func newDriver(t *testing.T) (*e1000.Driver, *modelNIC) {
	t.Helper()
	klog.SetMirror(false)

	mm, err := mem.New(8 << 20)
	if err != nil {
		t.Fatal(err)
	}

	nic := &modelNIC{
		mm:     mm,
		linkUp: true,
		mac:    [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
	}

	d, err := e1000.New(mm, nic, 0xFEBC_0000, 11)
	if err != nil {
		t.Fatal(err)
	}

	// Init programs the tail registers; only count writes from here on.
	nic.tdtWrites = 0

	return d, nic
}

func TestInitReadsMACAndProgramsRings(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	if got := d.MAC(); got != nic.mac {
		t.Fatalf("MAC = %x, want %x", got, nic.mac)
	}

	if nic.rdbal == 0 || nic.tdbal == 0 {
		t.Fatal("ring bases not programmed")
	}

	if nic.rdt != e1000.NumRxDesc-1 || nic.tdt != 0 {
		t.Fatalf("tails = (%d, %d), want (%d, 0)", nic.rdt, nic.tdt, e1000.NumRxDesc-1)
	}

	if nic.rctl&e1000.RctlEN == 0 || nic.tctl&e1000.TctlEN == 0 {
		t.Fatal("RX/TX not enabled")
	}

	if !d.IsLinkUp() {
		t.Fatal("link should be up")
	}
}

func TestTransmitDeliversFrame(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	frame := []byte("\x52\x54\x00\x12\x34\x56ethernet payload")

	if !d.Transmit(frame) {
		t.Fatal("Transmit failed")
	}

	nic.completeTx(1)

	if len(nic.sent) != 1 || !bytes.Equal(nic.sent[0], frame) {
		t.Fatalf("hardware saw %q", nic.sent)
	}
}

func TestTransmitOversizedRejected(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	if d.Transmit(make([]byte, e1000.RxBufferSize+1)) {
		t.Fatal("oversized frame accepted")
	}

	if nic.tdtWrites != 0 {
		t.Fatal("ring touched for a rejected frame")
	}

	if d.Stats().TxPackets != 0 {
		t.Fatal("stats counted a rejected frame")
	}
}

func TestTransmitBatchSingleTailWrite(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	frames := make([][]byte, 50)
	for i := range frames {
		frames[i] = bytes.Repeat([]byte{byte(i)}, 100)
	}

	if got := d.TransmitBatch(frames); got != 50 {
		t.Fatalf("queued %d, want 50", got)
	}

	if nic.tdtWrites != 1 {
		t.Fatalf("tail writes = %d, want exactly 1", nic.tdtWrites)
	}

	nic.completeTx(50)

	if len(nic.sent) != 50 {
		t.Fatalf("hardware completed %d frames", len(nic.sent))
	}
}

func TestRingWrapAround(t *testing.T) {
	t.Parallel()

	// Scenario: fill all 256 descriptors, observe ring-full, then a
	// completion IRQ frees a slot and the next transmit succeeds.
	d, nic := newDriver(t)

	frame := make([]byte, 100)

	for i := 0; i < e1000.NumTxDesc; i++ {
		if !d.Transmit(frame) {
			t.Fatalf("transmit %d failed with a free ring", i)
		}
	}

	if d.Transmit(frame) {
		t.Fatal("transmit succeeded on a full ring")
	}

	// Hardware completes one frame and interrupts.
	nic.completeTx(1)
	d.HandleIRQ()

	if !d.Transmit(frame) {
		t.Fatal("transmit failed after a completion freed a slot")
	}
}

func TestReceivePath(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	want := [][]byte{
		[]byte("first frame"),
		[]byte("second frame"),
	}

	for _, f := range want {
		nic.injectFrame(f)
	}

	d.HandleIRQ()

	for i, w := range want {
		got := d.RecvPacket()
		if !bytes.Equal(got, w) {
			t.Fatalf("packet %d = %q, want %q", i, got, w)
		}
	}

	if d.RecvPacket() != nil {
		t.Fatal("queue should be empty")
	}

	st := d.Stats()
	if st.RxPackets != 2 || st.RxBytes != uint64(len(want[0])+len(want[1])) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReceiveAdvancesRDT(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	before := nic.rdt

	nic.injectFrame([]byte("x"))
	d.PollRx()

	if nic.rdt == before {
		t.Fatal("RDT not advanced after processing")
	}
}

func TestStatsUpdatedUnderLock(t *testing.T) {
	t.Parallel()

	d, nic := newDriver(t)

	for i := 0; i < 10; i++ {
		if !d.Transmit(make([]byte, 64)) {
			t.Fatal("transmit failed")
		}
		nic.completeTx(1)
		d.HandleIRQ()
	}

	st := d.Stats()
	if st.TxPackets != 10 || st.TxBytes != 640 {
		t.Fatalf("stats = %+v", st)
	}
}
