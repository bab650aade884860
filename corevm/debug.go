package corevm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// TraceDisasm disassembles the instruction at the current CS:RIP with a
// reference decoder, for -T style tracing. The cross-check against an
// independent decoder catches our own decode bugs early.
func (vm *VM) TraceDisasm() string {
	linear := vm.Cpu.Regs.Seg[CS].Base + vm.Cpu.Regs.RIP

	phys, err := vm.Mmu.TranslateLinear(linear, vm.Cpu.Regs.CR3, AccessExecute, vm.Cpu.Regs.CPL, vm.Mem)
	if err != nil {
		return fmt.Sprintf("%04x:%08x <fetch fault>", vm.Cpu.Regs.Seg[CS].Selector, vm.Cpu.Regs.RIP)
	}

	buf := make([]byte, maxInstLen)
	for i := range buf {
		b, err := vm.Mem.ReadU8(phys + uint64(i))
		if err != nil {
			buf = buf[:i]

			break
		}
		buf[i] = b
	}

	bits := 16

	switch vm.Cpu.Decoder.Mode() {
	case Protected32:
		bits = 32
	case Long64:
		bits = 64
	}

	inst, err := x86asm.Decode(buf, bits)
	if err != nil {
		return fmt.Sprintf("%04x:%08x db %02x", vm.Cpu.Regs.Seg[CS].Selector, vm.Cpu.Regs.RIP, buf[0])
	}

	return fmt.Sprintf("%04x:%08x %s", vm.Cpu.Regs.Seg[CS].Selector, vm.Cpu.Regs.RIP, x86asm.IntelSyntax(inst, vm.Cpu.Regs.RIP, nil))
}

// DumpRegs formats the register file for trace output.
func (vm *VM) DumpRegs() string {
	r := vm.Cpu.Regs

	return fmt.Sprintf(
		"RAX=%016x RBX=%016x RCX=%016x RDX=%016x\n"+
			"RSI=%016x RDI=%016x RBP=%016x RSP=%016x\n"+
			"RIP=%016x RFLAGS=%08x CS=%04x SS=%04x CR0=%08x CR3=%08x",
		r.GPR[RAX], r.GPR[RBX], r.GPR[RCX], r.GPR[RDX],
		r.GPR[RSI], r.GPR[RDI], r.GPR[RBP], r.GPR[RSP],
		r.RIP, uint32(r.RFLAGS), r.Seg[CS].Selector, r.Seg[SS].Selector,
		uint32(r.CR0), uint32(r.CR3),
	)
}
