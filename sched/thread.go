// Package sched is the preemptive priority round-robin scheduler and the
// process model built on top of it.
//
// The machine is virtual: a Context is the register image a real context
// switch would save and restore, and Schedule moves those images on and off
// the single simulated CPU. Everything else — thread lifecycle, page
// directory ownership, signal routing, CPU accounting — matches the real
// kernel's behavior.
package sched

import (
	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/mem"
)

// State of a thread. Exactly one thread is Running at any time (or none,
// with the idle context active).
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}

	return "unknown"
}

// RFlagsIF is the interrupt-enable bit inside a saved RFLAGS image.
const RFlagsIF uint64 = 1 << 9

// Context is the full saved CPU state of a thread.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RSP, RFLAGS uint64

	CS, SS, DS, ES, FS, GS uint16

	CR3 uint64

	FPU [108]byte
}

// FDKind tags an entry of a thread's descriptor table.
type FDKind uint8

const (
	FDFile FDKind = iota
	FDPipe
)

// FD is one descriptor table entry.
type FD struct {
	Kind   FDKind
	ID     uint32
	Offset uint64
}

const maxSignals = 32

// SIGKILL is the forced-termination signal; it is never deliverable to a
// user handler.
const SIGKILL = 9

// Thread is the unit of scheduling.
type Thread struct {
	TID      uint32
	Name     string
	State    State
	Priority uint8

	Context        Context
	KernelStackTop uint64

	// PageDirectory is non-zero for user threads. It stays valid while
	// the thread may still be running on its CR3; destruction happens
	// only after the kernel root is loaded.
	PageDirectory mem.PhysAddr
	IsUser        bool

	Brk       mem.VirtAddr
	NextMmap  mem.VirtAddr
	UserPages int

	CWD  string
	Args string

	Caps     caps.Set
	UID, GID uint32

	ParentTID uint32

	FDs        map[int]FD
	StdinPipe  uint32
	StdoutPipe uint32

	// Exit code is present from termination until a waiter consumes it;
	// consuming it is what allows the reaper to free the thread.
	exitCode    uint32
	hasExitCode bool

	// WaitingTID is the thread blocked in waitpid on us.
	WaitingTID uint32

	CPUTicks uint32

	SigHandlers [maxSignals]uint64
	SigBlocked  uint32
	SigPending  uint32

	// Critical threads are exempt from stack-recovery kills.
	Critical bool

	wakeAtTick uint64
	sleeping   bool
}

// ThreadInfo is the snapshot returned by ListThreads for ps/sysinfo.
type ThreadInfo struct {
	TID      uint32
	Priority uint8
	State    string
	Name     string
	CPUTicks uint32
}
