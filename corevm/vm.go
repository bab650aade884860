package corevm

import (
	"errors"
	"fmt"
)

var ErrBadRAMSize = errors.New("guest RAM must be at least 1 MiB")

// VM is the embedded-in-process handle a host daemon drives: CPU, guest
// memory, MMU, interrupt controller and the standard PC device models.
type VM struct {
	Cpu  *Cpu
	Mem  *GuestMemory
	Mmu  *Mmu
	Ints *InterruptController
	Io   *IoDispatch

	Serial *SerialPort
	Debug  *DebugPort
	Pit    *Pit
	Vga    *Vga
	Ps2    *Ps2
	Ide    *Ide
	FwCfg  *FwCfg
	Misc   *MiscPorts
	Pci    *PciBus
}

// New creates a VM with ramMiB of guest memory. Devices are attached
// separately via SetupStandardDevices / SetupIde.
func New(ramMiB int) (*VM, error) {
	if ramMiB < 1 {
		return nil, fmt.Errorf("%d MiB: %w", ramMiB, ErrBadRAMSize)
	}

	vm := &VM{
		Cpu:  NewCpu(),
		Mem:  NewGuestMemory(ramMiB << 20),
		Mmu:  &Mmu{},
		Ints: NewInterruptController(),
		Io:   NewIoDispatch(),
	}

	return vm, nil
}

// SetupStandardDevices attaches PIC, PIT, serial, debug port, VGA, PS/2,
// fw_cfg and the misc ports.
func (vm *VM) SetupStandardDevices() {
	vm.Serial = NewSerialPort()
	vm.Debug = &DebugPort{}
	vm.Pit = NewPit()
	vm.Vga = NewVga()
	vm.Ps2 = NewPs2(vm.Ints.RaiseIRQ)
	vm.FwCfg = NewFwCfg()
	vm.Misc = NewMiscPorts(vm.Cpu)
	vm.Pci = NewPciBus()

	vm.Io.Register(0x20, 0x21, vm.Ints)
	vm.Io.Register(0xA0, 0xA1, vm.Ints)
	vm.Io.Register(0x40, 0x43, vm.Pit)
	vm.Io.Register(com1Base, com1Base+7, vm.Serial)
	vm.Io.Register(0x402, 0x402, vm.Debug)
	vm.Io.Register(0x3C0, 0x3DF, vm.Vga)
	vm.Io.Register(0x60, 0x64, vm.Ps2)
	vm.Io.Register(0x510, 0x511, vm.FwCfg)
	vm.Io.Register(0x70, 0x71, vm.Misc)
	vm.Io.Register(0x92, 0x92, vm.Misc)
	vm.Io.Register(0xCF8, 0xCFF, vm.Pci)
	vm.Io.Register(0xCF9, 0xCF9, vm.Misc)

	// Legacy VGA memory window with write counting.
	vm.Mem.AddMMIORegion(vgaWindowStart, vgaWindowEnd, vm.Vga)
}

// SetupIde attaches the primary-channel PIO controller.
func (vm *VM) SetupIde() {
	vm.Ide = NewIde(vm.Ints.RaiseIRQ)
	vm.Io.Register(0x1F0, 0x1F7, vm.Ide)
	vm.Io.Register(0x3F6, 0x3F6, vm.Ide)
}

// IdeAttachDisk attaches a raw disk image to the IDE controller.
func (vm *VM) IdeAttachDisk(image []byte) {
	if vm.Ide == nil {
		vm.SetupIde()
	}

	vm.Ide.AttachDisk(image)
}

// FwCfgAddFile exposes a named blob through the fw_cfg directory.
func (vm *VM) FwCfgAddFile(name string, data []byte) {
	if vm.FwCfg != nil {
		vm.FwCfg.AddFile(name, data)
	}
}

// LoadBinary copies a blob into guest physical memory.
func (vm *VM) LoadBinary(phys uint64, data []byte) {
	vm.Mem.LoadBinary(phys, data)
}

// SetRIP sets the next fetch address within the current CS.
func (vm *VM) SetRIP(rip uint64) {
	vm.Cpu.Regs.RIP = rip
}

// Run executes up to maxInsns instructions and returns the exit reason.
func (vm *VM) Run(maxInsns uint64) ExitReason {
	return vm.Cpu.Run(vm.Mem, vm.Mmu, vm.Ints, vm.Io, maxInsns)
}

// RequestStop stops the CPU at the next instruction boundary.
func (vm *VM) RequestStop() {
	vm.Cpu.RequestStop()
}

// InstructionCount is monotonic across Run calls.
func (vm *VM) InstructionCount() uint64 {
	return vm.Cpu.InstructionCount
}

// PitTick advances the PIT and reports an IRQ0 edge.
func (vm *VM) PitTick() bool {
	if vm.Pit == nil {
		return false
	}

	return vm.Pit.Tick()
}

// PicRaiseIRQ requests an interrupt line.
func (vm *VM) PicRaiseIRQ(line uint8) {
	vm.Ints.RaiseIRQ(line)
}

// VgaTextBuffer returns the text cells when the VGA is in text mode.
func (vm *VM) VgaTextBuffer() ([]uint16, bool) {
	if vm.Vga == nil {
		return nil, false
	}

	return vm.Vga.TextBuffer()
}

// VgaFramebuffer returns the graphics scanout when in a graphics mode.
func (vm *VM) VgaFramebuffer() (fb []byte, w, h, bpp uint32, ok bool) {
	if vm.Vga == nil {
		return nil, 0, 0, 0, false
	}

	return vm.Vga.Framebuffer()
}

// VgaDebugCounters reports (total legacy-window writes, text writes).
func (vm *VM) VgaDebugCounters() (uint64, uint64) {
	if vm.Vga == nil {
		return 0, 0
	}

	return vm.Vga.DebugCounters()
}

// Ps2KeyPress / Ps2KeyRelease / Ps2MouseMove feed host input.
func (vm *VM) Ps2KeyPress(scan uint8) {
	if vm.Ps2 != nil {
		vm.Ps2.KeyPress(scan)
	}
}

func (vm *VM) Ps2KeyRelease(scan uint8) {
	if vm.Ps2 != nil {
		vm.Ps2.KeyRelease(scan)
	}
}

func (vm *VM) Ps2MouseMove(dx, dy int16, buttons uint8) {
	if vm.Ps2 != nil {
		vm.Ps2.MouseMove(dx, dy, buttons)
	}
}

// SerialTakeOutput drains the guest's COM1 transmit stream.
func (vm *VM) SerialTakeOutput() []byte {
	if vm.Serial == nil {
		return nil
	}

	return vm.Serial.TakeOutput()
}

// DebugTakeOutput drains the port 0x402 diagnostic stream.
func (vm *VM) DebugTakeOutput() []byte {
	if vm.Debug == nil {
		return nil
	}

	return vm.Debug.TakeOutput()
}

// ReadPhysU8/U16/U32 are low-level debug accessors.
func (vm *VM) ReadPhysU8(addr uint64) uint8 {
	v, _ := vm.Mem.ReadU8(addr)

	return v
}

func (vm *VM) ReadPhysU16(addr uint64) uint16 {
	v, _ := vm.Mem.ReadU16(addr)

	return v
}

func (vm *VM) ReadPhysU32(addr uint64) uint32 {
	v, _ := vm.Mem.ReadU32(addr)

	return v
}

// MMIODiag reports (region count, low bound, high bound, VGA memory word
// at 0xB8000) for boot debugging.
func (vm *VM) MMIODiag() (int, uint64, uint64, uint32) {
	count, lo, hi := vm.Mem.MMIODiag()
	b8 := uint32(vm.Vga.ReadRegister(textBase, 4))

	return count, lo, hi, b8
}

// LastError describes the error behind the last ExitException, empty
// otherwise.
func (vm *VM) LastError() string {
	if vm.Cpu.LastError == nil {
		return ""
	}

	return vm.Cpu.LastError.Error()
}

// LastErrorRIP is the RIP of the last decoded instruction.
func (vm *VM) LastErrorRIP() uint64 {
	return vm.Cpu.LastExecRIP
}
