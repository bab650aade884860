package syscall

import (
	"github.com/brianmayclone/anyos-core/mem"
)

func sysPipeCreate(k *Kernel, f *Frame) uint32 {
	name, _ := k.readUserString(f.Arg(0), 64)

	return k.Pipes.Create(name)
}

func sysPipeOpen(k *Kernel, f *Frame) uint32 {
	name, ok := k.readUserString(f.Arg(0), 64)
	if !ok {
		return ErrReturn
	}

	id := k.Pipes.Open(name)
	if id == 0 {
		return ErrReturn
	}

	return id
}

func sysPipeRead(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	buf := make([]byte, f.Arg(2))

	n, _, err := k.Pipes.Read(uint32(f.Arg(0)), buf)
	if err != nil {
		return ErrReturn
	}

	if n > 0 && cur.PageDirectory != 0 {
		if err := k.Mem.CopyToUser(cur.PageDirectory, mem.VirtAddr(f.Arg(1)), buf[:n]); err != nil {
			return ErrReturn
		}
	}

	return uint32(n)
}

func sysPipeWrite(k *Kernel, f *Frame) uint32 {
	cur := k.Sched.Current()
	if cur == nil {
		return ErrReturn
	}

	buf := make([]byte, f.Arg(2))
	if cur.PageDirectory != 0 {
		if err := k.Mem.CopyFromUser(cur.PageDirectory, mem.VirtAddr(f.Arg(1)), buf); err != nil {
			return ErrReturn
		}
	}

	n, err := k.Pipes.Write(uint32(f.Arg(0)), buf)
	if err != nil {
		return ErrReturn
	}

	return uint32(n)
}

func sysPipeClose(k *Kernel, f *Frame) uint32 {
	if err := k.Pipes.Close(uint32(f.Arg(0))); err != nil {
		return ErrReturn
	}

	return 0
}

func sysShmCreate(k *Kernel, f *Frame) uint32 {
	id := k.Shm.Create(uint32(f.Arg(0)))
	if id == 0 {
		return ErrReturn
	}

	return id
}

func sysShmMap(k *Kernel, f *Frame) uint32 {
	if _, err := k.Shm.Map(uint32(f.Arg(0))); err != nil {
		return ErrReturn
	}

	// The mapping address is chosen by the kernel; in this model the
	// region is addressed through the table, so the id doubles as the
	// handle returned to user space.
	return uint32(f.Arg(0))
}

func sysShmUnmap(k *Kernel, f *Frame) uint32 {
	if err := k.Shm.Unmap(uint32(f.Arg(0))); err != nil {
		return ErrReturn
	}

	return 0
}

func sysShmDestroy(k *Kernel, f *Frame) uint32 {
	if err := k.Shm.Destroy(uint32(f.Arg(0))); err != nil {
		return ErrReturn
	}

	return 0
}

func sysEvtSubscribe(k *Kernel, _ *Frame) uint32 {
	k.Bus.Subscribe(k.Sched.CurrentTID())

	return 0
}

func sysEvtUnsubscribe(k *Kernel, _ *Frame) uint32 {
	k.Bus.Unsubscribe(k.Sched.CurrentTID())

	return 0
}

// sysEvtPoll returns the event type, or 0 when the queue is empty. The
// payload words are written to the user buffer in Arg0 when present.
func sysEvtPoll(k *Kernel, f *Frame) uint32 {
	ev, ok := k.Bus.Poll(k.Sched.CurrentTID())
	if !ok {
		return 0
	}

	if cur := k.Sched.Current(); cur != nil && cur.PageDirectory != 0 && f.Arg(0) != 0 {
		buf := make([]byte, 16)
		putU32 := func(off int, v uint32) {
			buf[off] = byte(v)
			buf[off+1] = byte(v >> 8)
			buf[off+2] = byte(v >> 16)
			buf[off+3] = byte(v >> 24)
		}
		putU32(0, ev.A0)
		putU32(4, ev.A1)
		putU32(8, ev.A2)
		putU32(12, ev.A3)

		if err := k.Mem.CopyToUser(cur.PageDirectory, mem.VirtAddr(f.Arg(0)), buf); err != nil {
			return ErrReturn
		}
	}

	return ev.Type
}

func sysRegisterCompositor(k *Kernel, _ *Frame) uint32 {
	k.Sched.RegisterCompositor(k.Sched.CurrentTID())

	return 0
}
