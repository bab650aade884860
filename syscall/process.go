package syscall

import (
	"github.com/brianmayclone/anyos-core/sched"
)

func sysExit(k *Kernel, f *Frame) uint32 {
	k.Sched.ExitCurrent(uint32(f.Arg(0)))

	return 0
}

func sysGetpid(k *Kernel, _ *Frame) uint32 {
	return k.Sched.CurrentTID()
}

func sysGetppid(k *Kernel, _ *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	return cur.ParentTID
}

func sysYield(k *Kernel, _ *Frame) uint32 {
	k.Sched.Yield()

	return 0
}

func sysSleep(k *Kernel, f *Frame) uint32 {
	k.Sched.Sleep(uint32(f.Arg(0)))

	return 0
}

// sysKill routes signals. For back-compat the original allowed signal 0 to
// mean SIGKILL; that alias is kept deliberately and called out here rather
// than silently relied on.
func sysKill(k *Kernel, f *Frame) uint32 {
	tid := uint32(f.Arg(0))
	sig := uint32(f.Arg(1))

	if sig == 0 {
		sig = sched.SIGKILL
	}

	return k.Sched.SignalThread(tid, sig)
}

func sysWaitpid(k *Kernel, f *Frame) uint32 {
	return k.Sched.Waitpid(uint32(f.Arg(0)))
}

func sysTryWaitpid(k *Kernel, f *Frame) uint32 {
	return k.Sched.TryWaitpid(uint32(f.Arg(0)))
}

func sysSetPriority(k *Kernel, f *Frame) uint32 {
	return k.Sched.SetPriority(uint32(f.Arg(0)), uint8(f.Arg(1)))
}

func sysGetargs(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	args := []byte(cur.Args)

	n := int(f.Arg(1))
	if n > len(args) {
		n = len(args)
	}

	if cur.PageDirectory != 0 && f.Arg(0) != 0 && n > 0 {
		if err := k.Mem.CopyToUser(cur.PageDirectory, virtAddr(f.Arg(0)), args[:n]); err != nil {
			return ErrReturn
		}
	}

	return uint32(n)
}

func sysFork(k *Kernel, f *Frame) uint32 {
	ff := &sched.ForkFrame{
		RAX: f.RAX, RBX: f.RBX, RCX: f.RCX, RDX: f.RDX,
		RSI: f.RSI, RDI: f.RDI, RBP: f.RBP,
		R8: f.R8, R9: f.R9, R10: f.R10, R11: f.R11,
		R12: f.R12, R13: f.R13, R14: f.R14, R15: f.R15,
		RIP: f.RIP, RSP: f.RSP, RFLAGS: f.RFLAGS,
		CS: f.CS, SS: f.SS,
	}

	return k.Sched.Fork(ff)
}

func sysThreadCreate(k *Kernel, f *Frame) uint32 {
	name, ok := k.readUserString(f.Arg(2), int(f.Arg(3))+1)
	if !ok || name == "" {
		name = "thread"
	}

	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	// Threads created this way share their creator's page directory.
	tid := k.Sched.Spawn(f.Arg(0), uint8(f.Arg(4)), name)
	k.Sched.SetThreadUserInfo(tid, cur.PageDirectory, cur.Brk)

	if t := k.Sched.Lookup(tid); t != nil {
		t.Context.RSP = f.Arg(1)
		t.Caps = cur.Caps
	}

	return tid
}

func sysSetCritical(k *Kernel, _ *Frame) uint32 {
	return k.Sched.SetCritical()
}

// sysSpawn launches a new process from a binary path. Arg layout:
// (path, stdout pipe id, args pointer, stdin pipe id). The stdin pipe id
// is not attached to the new process.
func sysSpawn(k *Kernel, f *Frame) uint32 {
	if k.FS == nil {
		return ErrReturn
	}

	path, ok := k.readUserString(f.Arg(0), 256)
	if !ok {
		return ErrReturn
	}

	binary, err := k.FS.ReadFile(path)
	if err != nil {
		return ErrReturn
	}

	args, _ := k.readUserString(f.Arg(2), 256)

	tid, err := k.Sched.SpawnUser(binary, path, args, 0)
	if err != nil {
		return ErrReturn
	}

	if stdout := uint32(f.Arg(1)); stdout != 0 {
		k.Sched.SetThreadStdoutPipe(tid, stdout)
		k.Pipes.Ref(stdout)
	}

	return tid
}

// sysExec replaces the current process image. On success the old program
// never resumes: the thread's context now starts at the new image's entry,
// so the 0 returned here never reaches the old image.
func sysExec(k *Kernel, f *Frame) uint32 {
	if k.FS == nil {
		return ErrReturn
	}

	path, ok := k.readUserString(f.Arg(0), 256)
	if !ok {
		return ErrReturn
	}

	binary, err := k.FS.ReadFile(path)
	if err != nil {
		return ErrReturn
	}

	args, _ := k.readUserString(f.Arg(1), 256)

	if err := k.Sched.ExecCurrent(binary, args); err != nil {
		return ErrReturn
	}

	return 0
}
