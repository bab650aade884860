package sched

import (
	"github.com/brianmayclone/anyos-core/caps"
	"github.com/brianmayclone/anyos-core/klog"
	"github.com/brianmayclone/anyos-core/mem"
)

// ForkFrame is the register image captured at the fork syscall boundary.
// The child's saved context is built from it with the return register
// zeroed, so the child returns 0 from the same syscall; the parent's own
// frame returns the child TID. RIP and RSP point past the syscall
// instruction — exactly one IRETQ frame re-enters user mode.
type ForkFrame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RSP, RFLAGS uint64

	CS, SS uint16
}

// forkSnapshot is everything copied out of the parent under the lock.
type forkSnapshot struct {
	name      string
	args      string
	cwd       string
	fpu       [108]byte
	priority  uint8
	capSet    caps.Set
	uid, gid  uint32
	brk       mem.VirtAddr
	nextMmap  mem.VirtAddr
	userPages int
	stdin     uint32
	stdout    uint32
	fds       map[int]FD
	pd        mem.PhysAddr
	parentTID uint32
	isUser    bool
}

// Fork duplicates the current user thread: cloned page directory, copied
// FD table with pipe references taken, identical saved registers except
// the return value. Returns the child TID, or ErrReturn on failure.
// Atomic with respect to other threads: the child is spawned Blocked and
// only woken once its register image is complete.
func (s *Scheduler) Fork(frame *ForkFrame) uint32 {
	snap, ok := s.snapshotCurrent()
	if !ok {
		return ErrReturn
	}

	if !snap.isUser {
		klog.Printf("sys_fork: T%d is not a user process", snap.parentTID)

		return ErrReturn
	}

	childPD, err := s.mm.CloneUserPageDirectory(snap.pd)
	if err != nil {
		klog.Printf("sys_fork: clone_user_page_directory failed (OOM)")

		return ErrReturn
	}

	childTID := s.SpawnBlocked(frame.RIP, snap.priority, snap.name)

	s.mu.Lock()

	child := s.lookupLocked(childTID)

	child.PageDirectory = childPD
	child.IsUser = true
	child.Brk = snap.brk
	child.NextMmap = snap.nextMmap
	child.UserPages = snap.userPages
	child.CWD = snap.cwd
	child.Args = snap.args
	child.UID = snap.uid
	child.GID = snap.gid
	child.Caps = snap.capSet
	child.ParentTID = snap.parentTID
	child.StdinPipe = snap.stdin
	child.StdoutPipe = snap.stdout
	child.FDs = snap.fds

	// The child's saved image is the parent's syscall frame with RAX
	// forced to 0, resuming past the syscall boundary on the cloned
	// directory.
	child.Context = Context{
		RBX: frame.RBX, RCX: frame.RCX, RDX: frame.RDX,
		RSI: frame.RSI, RDI: frame.RDI, RBP: frame.RBP,
		R8: frame.R8, R9: frame.R9, R10: frame.R10, R11: frame.R11,
		R12: frame.R12, R13: frame.R13, R14: frame.R14, R15: frame.R15,
		RIP: frame.RIP, RSP: frame.RSP, RFLAGS: frame.RFLAGS,
		CS: frame.CS, SS: frame.SS,
		CR3: uint64(childPD),
		FPU: snap.fpu,
	}

	s.mu.Unlock()

	for _, fd := range snap.fds {
		if fd.Kind == FDPipe {
			s.pipes.Ref(fd.ID)
		}
	}

	// Image complete — the child may now be picked.
	s.Wake(childTID)

	klog.Printf("sys_fork: T%d -> T%d", snap.parentTID, childTID)

	return childTID
}

func (s *Scheduler) snapshotCurrent() (forkSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 {
		return forkSnapshot{}, false
	}

	p := s.threads[s.current]

	snap := forkSnapshot{
		name:      p.Name + "(fork)",
		args:      p.Args,
		cwd:       p.CWD,
		fpu:       p.Context.FPU,
		priority:  p.Priority,
		capSet:    p.Caps,
		uid:       p.UID,
		gid:       p.GID,
		brk:       p.Brk,
		nextMmap:  p.NextMmap,
		userPages: p.UserPages,
		stdin:     p.StdinPipe,
		stdout:    p.StdoutPipe,
		pd:        p.PageDirectory,
		parentTID: p.TID,
		isUser:    p.IsUser,
	}

	snap.fds = make(map[int]FD, len(p.FDs))
	for n, fd := range p.FDs {
		snap.fds[n] = fd
	}

	return snap, true
}
