package corevm_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/brianmayclone/anyos-core/corevm"
)

// newRealModeVM builds a VM with CS:IP = 0000:7C00 and a usable stack.
func newRealModeVM(t *testing.T) *corevm.VM {
	t.Helper()

	vm, err := corevm.New(2)
	if err != nil {
		t.Fatal(err)
	}

	vm.SetupStandardDevices()

	vm.Cpu.Regs.LoadSegmentReal(corevm.CS, 0)
	vm.Cpu.Regs.LoadSegmentReal(corevm.SS, 0)
	vm.Cpu.Regs.RIP = 0x7C00
	vm.Cpu.Regs.SetSP(0x7000)
	vm.Cpu.Regs.RFLAGS |= corevm.FlagIF

	return vm
}

func load(vm *corevm.VM, code []byte) {
	vm.LoadBinary(0x7C00, code)
}

func TestNewRejectsTinyRAM(t *testing.T) {
	t.Parallel()

	if _, err := corevm.New(0); err == nil {
		t.Fatal("expected error for 0 MiB")
	}
}

func TestDecoderLengthsMatchRIPAdvance(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	code := []byte{
		0xB8, 0x34, 0x12, // mov ax, 0x1234
		0x40,             // inc ax
		0x89, 0xC3,       // mov bx, ax
		0x05, 0x01, 0x00, // add ax, 1
		0x90,       // nop
		0x31, 0xD2, // xor dx, dx
		0xF5, // cmc
	}
	load(vm, code)

	// Independent decode pass: the lengths must tile the stream.
	dec := corevm.NewDecoder(corevm.Real16)
	var total uint64
	n := 0

	for total < uint64(len(code)) {
		inst, err := dec.Decode(vm.Mem, 0x7C00+total)
		if err != nil {
			t.Fatalf("decode at +%d: %v", total, err)
		}

		total += uint64(inst.Len)
		n++
	}

	if total != uint64(len(code)) {
		t.Fatalf("decoded lengths sum to %d, want %d", total, len(code))
	}

	// Executing the same count must advance RIP by exactly that sum.
	if got := vm.Run(uint64(n)); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	if vm.Cpu.Regs.RIP != 0x7C00+total {
		t.Fatalf("RIP = %#x, want %#x", vm.Cpu.Regs.RIP, 0x7C00+total)
	}

	if got := vm.Cpu.Regs.GPR[corevm.RAX] & 0xFFFF; got != 0x1236 {
		t.Fatalf("AX = %#x, want 0x1236", got)
	}

	if got := vm.Cpu.Regs.GPR[corevm.RBX] & 0xFFFF; got != 0x1235 {
		t.Fatalf("BX = %#x, want 0x1235", got)
	}
}

func TestRunZeroReturnsInstructionLimit(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)
	load(vm, []byte{0xF4})

	vm.Cpu.Regs.RFLAGS &^= corevm.FlagIF

	if got := vm.Run(0); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run(0) = %v, want InstructionLimit", got)
	}

	if vm.InstructionCount() != 0 {
		t.Fatal("Run(0) executed instructions")
	}
}

func TestHltReturnsHalted(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)
	load(vm, []byte{0xF4})

	if got := vm.Run(100); got != corevm.ExitHalted {
		t.Fatalf("Run = %v, want Halted", got)
	}

	if vm.InstructionCount() != 1 {
		t.Fatalf("count = %d, want 1", vm.InstructionCount())
	}
}

func TestRequestStop(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)
	load(vm, []byte{0x90, 0x90, 0x90})

	vm.RequestStop()

	if got := vm.Run(100); got != corevm.ExitStopRequested {
		t.Fatalf("Run = %v, want StopRequested", got)
	}
}

func TestRealModeIntDelivery(t *testing.T) {
	t.Parallel()

	// Scenario: INT 0x10 with IVT[0x10] = 8000:0000 and a handler at
	// physical 0x80000.
	vm := newRealModeVM(t)

	// IVT entry: offset then segment.
	if err := vm.Mem.WriteU16(0x10*4, 0x0000); err != nil {
		t.Fatal(err)
	}
	if err := vm.Mem.WriteU16(0x10*4+2, 0x8000); err != nil {
		t.Fatal(err)
	}

	load(vm, []byte{0xCD, 0x10}) // int 0x10
	vm.LoadBinary(0x80000, []byte{0xCF})

	if got := vm.Run(1); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	// CS:IP must now be 8000:0000.
	if cs := vm.Cpu.Regs.Seg[corevm.CS]; cs.Selector != 0x8000 || cs.Base != 0x80000 {
		t.Fatalf("CS = %04x (base %#x), want 8000", cs.Selector, cs.Base)
	}

	if vm.Cpu.Regs.RIP != 0 {
		t.Fatalf("IP = %#x, want 0", vm.Cpu.Regs.RIP)
	}

	// Stack top three words: IP=0x7C02, CS=0x0000, FLAGS.
	sp := vm.Cpu.Regs.SP()
	if sp != 0x7000-6 {
		t.Fatalf("SP = %#x, want %#x", sp, 0x7000-6)
	}

	ip, _ := vm.Mem.ReadU16(sp)
	cs, _ := vm.Mem.ReadU16(sp + 2)
	flags, _ := vm.Mem.ReadU16(sp + 4)

	if ip != 0x7C02 || cs != 0 {
		t.Fatalf("stack frame = IP %#x CS %#x", ip, cs)
	}

	if flags&uint16(corevm.FlagIF) == 0 {
		t.Fatal("pushed FLAGS lost IF")
	}

	// IF and TF must be clear in the handler.
	if vm.Cpu.Regs.RFLAGS&(corevm.FlagIF|corevm.FlagTF) != 0 {
		t.Fatal("IF/TF not cleared on delivery")
	}

	// IRET returns to the instruction after INT.
	if got := vm.Run(1); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	if vm.Cpu.Regs.RIP != 0x7C02 || vm.Cpu.Regs.Seg[corevm.CS].Selector != 0 {
		t.Fatalf("after IRET: CS:IP = %04x:%04x",
			vm.Cpu.Regs.Seg[corevm.CS].Selector, vm.Cpu.Regs.RIP)
	}
}

func TestModeTransitionOnCR0Write(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	load(vm, []byte{
		0x0F, 0x20, 0xC0, // mov eax, cr0
		0x66, 0x83, 0xC8, 0x01, // or eax, 1
		0x0F, 0x22, 0xC0, // mov cr0, eax
	})

	if got := vm.Run(3); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	if vm.Cpu.Regs.CR0&corevm.CR0PE == 0 {
		t.Fatal("PE not set")
	}

	// Mode agreement: PE=1, PG=0 → protected mode, and the decoder
	// stays 16-bit until a far JMP loads a 32-bit CS.
	if vm.Cpu.Mode != corevm.ProtectedMode {
		t.Fatalf("mode = %v, want ProtectedMode", vm.Cpu.Mode)
	}

	if vm.Cpu.Decoder.Mode() != corevm.Real16 {
		t.Fatal("decoder must stay 16-bit until CS reload")
	}
}

func TestInterruptShadowAfterSTI(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// IVT[8] (PIT vector base 8) → 0000:0500, handler is HLT.
	if err := vm.Mem.WriteU16(8*4, 0x0500); err != nil {
		t.Fatal(err)
	}
	if err := vm.Mem.WriteU16(8*4+2, 0x0000); err != nil {
		t.Fatal(err)
	}
	vm.LoadBinary(0x0500, []byte{0xF4})

	vm.Cpu.Regs.RFLAGS &^= corevm.FlagIF
	load(vm, []byte{0xFB, 0x90, 0x90}) // sti; nop; nop

	vm.PicRaiseIRQ(0)

	// STI executes; the shadow holds the IRQ off until after the next
	// instruction boundary.
	if got := vm.Run(1); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	if vm.Cpu.Regs.RIP != 0x7C01 {
		t.Fatalf("interrupt delivered during the shadow (RIP=%#x)", vm.Cpu.Regs.RIP)
	}

	// The next Run delivers the IRQ and lands in the handler.
	if got := vm.Run(1); got != corevm.ExitHalted {
		t.Fatalf("Run = %v, want Halted (handler)", got)
	}
}

func TestFcomNaNSetsAllConditionCodes(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// NaN at 0x0500 (f64), 1.0 at 0x0508 (f32).
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(math.NaN()))
	vm.LoadBinary(0x0500, buf[:])

	binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(1.0))
	vm.LoadBinary(0x0508, buf[:4])

	load(vm, []byte{
		0xDD, 0x06, 0x00, 0x05, // fld qword [0x0500]
		0xD8, 0x16, 0x08, 0x05, // fcom dword [0x0508]
	})

	if got := vm.Run(2); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	const c0c2c3 = uint16(1<<8 | 1<<10 | 1<<14)
	if vm.Cpu.Fpu.FSW&c0c2c3 != c0c2c3 {
		t.Fatalf("FSW = %#x, want C0=C2=C3=1", vm.Cpu.Fpu.FSW)
	}
}

func TestFpuArithmetic(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(2.5))
	vm.LoadBinary(0x0500, buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(1.5))
	vm.LoadBinary(0x0508, buf[:])

	load(vm, []byte{
		0xDD, 0x06, 0x00, 0x05, // fld qword [0x0500]  ; 2.5
		0xDC, 0x06, 0x08, 0x05, // fadd qword [0x0508] ; +1.5
		0xDD, 0x1E, 0x10, 0x05, // fstp qword [0x0510]
	})

	if got := vm.Run(3); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	bits, _ := vm.Mem.ReadU64(0x0510)
	if got := math.Float64frombits(bits); got != 4.0 {
		t.Fatalf("result = %v, want 4.0", got)
	}
}

func TestUnknownX87EncodingAdvancesSilently(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// D9 /6 register-form (0xF6) is not modeled: execution continues.
	load(vm, []byte{0xD9, 0xF6, 0x90})

	if got := vm.Run(2); got != corevm.ExitInstructionLimit {
		t.Fatalf("Run = %v", got)
	}

	if vm.Cpu.Regs.RIP != 0x7C03 {
		t.Fatalf("RIP = %#x, want past the unknown encoding", vm.Cpu.Regs.RIP)
	}
}

func TestSerialOutputCapture(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	load(vm, []byte{
		0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xB0, 'H', // mov al, 'H'
		0xEE,      // out dx, al
		0xB0, 'I', // mov al, 'I'
		0xEE, // out dx, al
		0xF4, // hlt
	})

	if got := vm.Run(100); got != corevm.ExitHalted {
		t.Fatalf("Run = %v", got)
	}

	if got := string(vm.SerialTakeOutput()); got != "HI" {
		t.Fatalf("serial output = %q, want \"HI\"", got)
	}

	if vm.SerialTakeOutput() != nil {
		t.Fatal("TakeOutput did not drain")
	}
}

func TestDebugPortCapture(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// SeaBIOS writes its log to port 0x402.
	vm.Io.Out(0x402, 1, 'S')
	vm.Io.Out(0x402, 1, 'B')

	if got := string(vm.DebugTakeOutput()); got != "SB" {
		t.Fatalf("debug output = %q", got)
	}
}

func TestVgaTextBufferAndCounters(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// mov word [0xB8000], 0x0741 ('A' white-on-black) via ES segment.
	load(vm, []byte{
		0xB8, 0x00, 0xB8, // mov ax, 0xB800
		0x8E, 0xC0, // mov es, ax
		0x26, 0xC7, 0x06, 0x00, 0x00, 0x41, 0x07, // mov word es:[0], 0x0741
		0xF4,
	})

	if got := vm.Run(100); got != corevm.ExitHalted {
		t.Fatalf("Run = %v", got)
	}

	cells, ok := vm.VgaTextBuffer()
	if !ok {
		t.Fatal("not in text mode")
	}

	if cells[0] != 0x0741 {
		t.Fatalf("cell 0 = %#x, want 0x0741", cells[0])
	}

	total, text := vm.VgaDebugCounters()
	if total == 0 || text == 0 {
		t.Fatalf("counters = (%d, %d), want both nonzero", total, text)
	}
}

func TestIdeIdentifyAndRead(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)
	vm.SetupIde()

	disk := make([]byte, 4*512)
	for i := range disk {
		disk[i] = byte(i % 251)
	}
	vm.IdeAttachDisk(disk)

	// IDENTIFY.
	vm.Io.Out(0x1F7, 1, 0xEC)

	if vm.Io.In(0x1F7, 1)&0x08 == 0 {
		t.Fatal("DRQ not set after IDENTIFY")
	}

	ident := make([]byte, 512)
	for i := 0; i < 256; i++ {
		w := vm.Io.In(0x1F0, 2)
		binary.LittleEndian.PutUint16(ident[i*2:], uint16(w))
	}

	if got := binary.LittleEndian.Uint32(ident[120:]); got != 4 {
		t.Fatalf("LBA sectors = %d, want 4", got)
	}

	// READ SECTORS: LBA 2, one sector.
	vm.Io.Out(0x1F2, 1, 1)
	vm.Io.Out(0x1F3, 1, 2)
	vm.Io.Out(0x1F4, 1, 0)
	vm.Io.Out(0x1F5, 1, 0)
	vm.Io.Out(0x1F6, 1, 0xE0)
	vm.Io.Out(0x1F7, 1, 0x20)

	sector := make([]byte, 512)
	for i := 0; i < 256; i++ {
		w := vm.Io.In(0x1F0, 2)
		binary.LittleEndian.PutUint16(sector[i*2:], uint16(w))
	}

	for i := range sector {
		if sector[i] != disk[2*512+i] {
			t.Fatalf("sector byte %d = %#x, want %#x", i, sector[i], disk[2*512+i])
		}
	}
}

func TestFwCfgSignatureAndFiles(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)
	vm.FwCfgAddFile("vgaroms/vgabios-stdvga.bin", []byte{0x55, 0xAA, 0x40})

	// Select the signature item.
	vm.Io.Out(0x510, 2, 0x0000)

	sig := make([]byte, 4)
	for i := range sig {
		sig[i] = byte(vm.Io.In(0x511, 1))
	}

	if string(sig) != "QEMU" {
		t.Fatalf("signature = %q", sig)
	}

	// First file key streams the blob.
	vm.Io.Out(0x510, 2, 0x0020)

	if b := vm.Io.In(0x511, 1); b != 0x55 {
		t.Fatalf("file byte 0 = %#x", b)
	}

	if b := vm.Io.In(0x511, 1); b != 0xAA {
		t.Fatalf("file byte 1 = %#x", b)
	}
}

func TestPs2KeyQueue(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	vm.Ps2KeyPress(0x1E)
	vm.Ps2KeyRelease(0x1E)

	if vm.Io.In(0x64, 1)&1 == 0 {
		t.Fatal("status: output buffer empty")
	}

	if got := vm.Io.In(0x60, 1); got != 0x1E {
		t.Fatalf("make code = %#x", got)
	}

	if got := vm.Io.In(0x60, 1); got != 0x9E {
		t.Fatalf("break code = %#x", got)
	}
}

func TestA20GateMasking(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// Disable A20 through port 0x92; fetch at 1 MiB + 0x7C00 must wrap
	// to 0x7C00.
	vm.LoadBinary(0x7C00, []byte{0xF4})

	vm.Io.Out(0x92, 1, 0)

	vm.Cpu.Regs.LoadSegmentReal(corevm.CS, 0xFFFF)
	vm.Cpu.Regs.RIP = 0x7C10 // 0xFFFF0 + 0x7C10 = 0x107C00

	if got := vm.Run(1); got != corevm.ExitHalted {
		t.Fatalf("Run = %v, want Halted via wrapped fetch", got)
	}
}

func TestLongModePageTranslation(t *testing.T) {
	t.Parallel()

	mem := corevm.NewGuestMemory(8 << 20)
	mmu := &corevm.Mmu{}

	// Identity-map the first 2 MiB with a single large page:
	// PML4[0] → 0x2000, PDPT[0] → 0x3000, PD[0] = 2M page at 0.
	if err := mem.WriteU64(0x1000, 0x2000|3); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x2000, 0x3000|3); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x3000, 0x0000|0x83); err != nil {
		t.Fatal(err)
	}

	mmu.UpdateFromRegs(corevm.CR0PG|corevm.CR0PE, corevm.CR4PAE, corevm.EFERLMA)

	phys, err := mmu.TranslateLinear(0x1234, 0x1000, corevm.AccessRead, 0, mem)
	if err != nil {
		t.Fatal(err)
	}

	if phys != 0x1234 {
		t.Fatalf("phys = %#x, want identity", phys)
	}

	// Unmapped address faults.
	_, err = mmu.TranslateLinear(0x4000_0000, 0x1000, corevm.AccessWrite, 3, mem)
	if err == nil {
		t.Fatal("expected page fault")
	}
}

func TestPitProgramAndTick(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	if vm.PitTick() {
		t.Fatal("unprogrammed PIT must not fire")
	}

	// Mode 2, lo/hi reload 0x04A9 (~1 kHz).
	vm.Io.Out(0x43, 1, 0x34)
	vm.Io.Out(0x40, 1, 0xA9)
	vm.Io.Out(0x40, 1, 0x04)

	if !vm.PitTick() {
		t.Fatal("programmed PIT must fire on tick")
	}
}

func TestCallRetRoundTrip(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	load(vm, []byte{
		0xE8, 0x03, 0x00, // call +3 (0x7C06)
		0x40,       // inc ax   (after return)
		0xF4,       // hlt
		0x90,       // pad
		0x40,       // 0x7C06: inc ax
		0xC3,       // ret
	})

	if got := vm.Run(100); got != corevm.ExitHalted {
		t.Fatalf("Run = %v", got)
	}

	if got := vm.Cpu.Regs.GPR[corevm.RAX] & 0xFFFF; got != 2 {
		t.Fatalf("AX = %d, want 2 (both INCs ran)", got)
	}
}

func TestRepMovsb(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	src := []byte("descriptor ring")
	vm.LoadBinary(0x0600, src)

	load(vm, []byte{
		0xBE, 0x00, 0x06, // mov si, 0x0600
		0xBF, 0x00, 0x07, // mov di, 0x0700
		0xB9, byte(len(src)), 0x00, // mov cx, len
		0xFC,       // cld
		0xF3, 0xA4, // rep movsb
		0xF4, // hlt
	})

	if got := vm.Run(100); got != corevm.ExitHalted {
		t.Fatalf("Run = %v", got)
	}

	got := make([]byte, len(src))
	for i := range got {
		got[i] = vm.ReadPhysU8(0x0700 + uint64(i))
	}

	if string(got) != string(src) {
		t.Fatalf("copied %q, want %q", got, src)
	}

	if cx := vm.Cpu.Regs.GPR[corevm.RCX] & 0xFFFF; cx != 0 {
		t.Fatalf("CX = %d after REP, want 0", cx)
	}
}

func TestPciConfigSpace(t *testing.T) {
	t.Parallel()

	vm := newRealModeVM(t)

	// Select 00:00.0 register 0 and read the host bridge vendor id.
	vm.Io.Out(0xCF8, 4, 0x8000_0000)

	if got := vm.Io.In(0xCFC, 2); got != 0x8086 {
		t.Fatalf("vendor id = %#x, want 0x8086", got)
	}

	if got := vm.Io.In(0xCFE, 2); got != 0x1237 {
		t.Fatalf("device id = %#x, want 0x1237", got)
	}

	// An empty slot answers all-ones so the bus scan terminates.
	vm.Io.Out(0xCF8, 4, 0x8000_0000|3<<11)

	if got := vm.Io.In(0xCFC, 2); got != 0xFFFF {
		t.Fatalf("empty slot = %#x, want 0xFFFF", got)
	}
}
